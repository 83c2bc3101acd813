// Package store defines the collaborators the stream manager reads zone
// metadata from and appends position history to.
package store

import (
	"context"
	"time"

	"github.com/c360/rtlstream/geofence"
)

// Device is a tracked tag or gateway known to the metadata store.
type Device struct {
	ID   string
	Type string
	Name string
}

// TriggerSummary is a trigger row without its regions.
type TriggerSummary struct {
	ID            int
	Name          string
	ZoneID        int
	Direction     geofence.Direction
	IgnoreUnknown bool
	// SubjectType selects the device type whose ids form the allowlist
	// when IgnoreUnknown is set.
	SubjectType string
	Portable    bool
	AssignedTag string
	Radius      float64
	ZMin        float64
	ZMax        float64
}

// MetadataStore is the read-only view queried when a zone is loaded.
type MetadataStore interface {
	DevicesByType(ctx context.Context, deviceType string) ([]Device, error)
	TriggersByZone(ctx context.Context, zoneID int) ([]TriggerSummary, error)
	TriggerRegions(ctx context.Context, triggerID int) ([]geofence.Region, error)
}

// PositionRecord is one history row.
type PositionRecord struct {
	SubjectID  string    `json:"subject_id"`
	Timestamp  time.Time `json:"ts"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Z          float64   `json:"z"`
	Confidence float64   `json:"confidence"`
	GatewayID  string    `json:"gateway_id"`
	Battery    int       `json:"battery"`
}

// HistorySink persists position history.
type HistorySink interface {
	AppendPosition(ctx context.Context, rec PositionRecord) error
}
