// Package protocol defines the stream manager's wire messages and the two
// encodings they travel in: a flat JSON object per frame, and a tagged XML
// envelope that may be split or concatenated across reads.
package protocol

// Message type discriminators shared by both encodings.
const (
	TypeHeartbeat    = "HeartBeat"
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeGISData      = "GISData"
	TypePortRedirect = "PortRedirect"
	TypeTriggerEvent = "TriggerEvent"
	TypeWarning      = "Warning"
	TypeEndStream    = "EndStream"
)

// Message is implemented by every wire message.
type Message interface {
	Type() string
}

// RequestKind is the subscription command carried by a Request.
type RequestKind string

const (
	KindBeginStream RequestKind = "BeginStream"
	KindEndStream   RequestKind = "EndStream"
	KindAddTag      RequestKind = "AddTag"
	KindRemoveTag   RequestKind = "RemoveTag"
)

// Valid reports whether k is one of the known commands.
func (k RequestKind) Valid() bool {
	switch k {
	case KindBeginStream, KindEndStream, KindAddTag, KindRemoveTag:
		return true
	}
	return false
}

// Heartbeat is sent by the server and echoed by the client as its acknowledgement.
type Heartbeat struct {
	ID     int64 `json:"heartbeat_id"`
	SentAt int64 `json:"ts"` // unix milliseconds
}

func (Heartbeat) Type() string { return TypeHeartbeat }

// Param names one subject in a Request. Data asks for the raw sensor payload.
type Param struct {
	ID   string `json:"id" xml:"id"`
	Data bool   `json:"data" xml:"data,omitempty"`
}

// Request is a subscription command. ReqID is echoed in the Response.
type Request struct {
	Kind   RequestKind `json:"request"`
	ReqID  string      `json:"reqid"`
	Params []Param     `json:"params,omitempty"`
	ZoneID int         `json:"zone_id,omitempty"`
}

func (Request) Type() string { return TypeRequest }

// SubjectIDs returns the subject ids named in the request.
func (r Request) SubjectIDs() []string {
	ids := make([]string, 0, len(r.Params))
	for _, p := range r.Params {
		ids = append(ids, p.ID)
	}
	return ids
}

// Response answers a Request. An empty Msg means success.
type Response struct {
	Kind  RequestKind `json:"request"`
	ReqID string      `json:"reqid"`
	Msg   string      `json:"msg"`
}

func (Response) Type() string { return TypeResponse }

// OK reports whether the response signals success.
func (r Response) OK() bool { return r.Msg == "" }

// GISData is a position report for one subject.
type GISData struct {
	ID        string  `json:"ID"`
	Kind      string  `json:"Type"`
	Timestamp int64   `json:"TS"` // unix milliseconds
	X         float64 `json:"X"`
	Y         float64 `json:"Y"`
	Z         float64 `json:"Z"`
	Battery   int     `json:"Bat"`
	CNF       float64 `json:"CNF"`
	GatewayID string  `json:"GWID"`
	Sequence  int64   `json:"Sequence"`
	ZoneID    int     `json:"zone_id"`
	Data      string  `json:"Data,omitempty"`
}

func (GISData) Type() string { return TypeGISData }

// WithoutData returns a copy with the raw payload removed.
func (g GISData) WithoutData() GISData {
	g.Data = ""
	return g
}

// PortRedirect tells a client to reconnect on another port for a zone.
type PortRedirect struct {
	Port int `json:"port"`
	Zone int `json:"zone"`
}

func (PortRedirect) Type() string { return TypePortRedirect }

// TriggerEvent reports a geofence firing to subscribers.
type TriggerEvent struct {
	TriggerID   int     `json:"trigger_id" xml:"trigger_id"`
	TriggerName string  `json:"trigger_name" xml:"trigger_name,omitempty"`
	ZoneID      int     `json:"zone_id" xml:"zone_id,omitempty"`
	Direction   string  `json:"direction" xml:"direction"`
	SubjectID   string  `json:"subject_id" xml:"subject_id"`
	X           float64 `json:"x" xml:"x"`
	Y           float64 `json:"y" xml:"y"`
	Z           float64 `json:"z" xml:"z"`
	Timestamp   int64   `json:"ts" xml:"ts"`
}

func (TriggerEvent) Type() string { return TypeTriggerEvent }

// Warning is an advisory the server sends without closing the stream.
type Warning struct {
	Reason string `json:"reason"`
}

func (Warning) Type() string { return TypeWarning }

// EndStream announces that the server is closing the stream.
type EndStream struct {
	Reason string `json:"reason"`
}

func (EndStream) Type() string { return TypeEndStream }

// Unknown is a well-formed message whose type is not recognized.
type Unknown struct {
	Kind string
}

func (u Unknown) Type() string { return u.Kind }
