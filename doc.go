// Package rtlstream is the real-time stream manager of a location system. It
// accepts position reports from gateways, simulators and the message bus,
// evaluates geofence triggers against each report, and fans the reports and
// the resulting trigger events out to subscribed clients.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   server (chi, websocket, TCP)      │  /ws/{resource}, /healthz,
//	│   + bus ingest (NATS subject)       │  /metrics, gateway listener
//	└─────────────────────────────────────┘
//	           ↓ one per connection
//	┌─────────────────────────────────────┐
//	│   session                           │  Handshake, subjects, rate
//	│   (protocol decoder + liveness)     │  limit, heartbeats, teardown
//	└─────────────────────────────────────┘
//	           ↓ positions
//	┌─────────────────────────────────────┐
//	│   pipeline                          │  history → zone evaluator
//	│   (history, zone, registry)         │  → registry fan-out
//	└─────────────────────────────────────┘
//	     ↓                        ↓
//	┌──────────────┐     ┌─────────────────┐
//	│  registry    │     │ notify          │
//	│  (sessions   │     │ (NATS, Redis    │
//	│   by key)    │     │  trigger events)│
//	└──────────────┘     └─────────────────┘
//
// # Interest keys
//
// Subscribers are indexed by interest key. A position for subject S in zone Z
// is routed to tag:S, zone:Z and topic:all. A trigger event is routed to
// tag:S, zone:Z and topic:triggers. A subscriber whose delivery fails is
// removed from every key it held, without affecting the other targets of the
// same broadcast.
//
// # Wire formats
//
// Every connection may speak either the flat JSON envelope or the tagged XML
// envelope. Frames are tried as JSON first and fall back to the XML framer,
// which reassembles envelopes split across reads. Replies use the format of
// the last inbound message.
//
// # Running
//
//	rtlstream --config=/etc/rtlstream/config.yaml
//
// See package config for the file format and RTLS_* environment overrides.
package rtlstream
