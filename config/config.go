// Package config defines the stream manager's configuration and loads it from
// defaults, JSON or YAML files, and RTLS_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/rtlstream/errors"
)

// History sink kinds.
const (
	SinkSQLite    = "sqlite"
	SinkJetStream = "jetstream"
	SinkNone      = "none"
)

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Liveness LivenessConfig `json:"liveness" yaml:"liveness"`
	Geofence GeofenceConfig `json:"geofence" yaml:"geofence"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	History  HistoryConfig  `json:"history" yaml:"history"`
	// Redirects maps a zone id to the port clients should use for it.
	Redirects map[int]int `json:"redirects,omitempty" yaml:"redirects,omitempty"`
}

// ServerConfig covers the listeners and per-session limits.
type ServerConfig struct {
	HTTPAddr          string   `json:"http_addr" yaml:"http_addr"`
	TCPAddr           string   `json:"tcp_addr,omitempty" yaml:"tcp_addr,omitempty"`
	ReadBufferSize    int      `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize   int      `json:"write_buffer_size" yaml:"write_buffer_size"`
	MaxFrameSize      int64    `json:"max_frame_size" yaml:"max_frame_size"`
	WriteTimeout      Duration `json:"write_timeout" yaml:"write_timeout"`
	MaxFrameRate      float64  `json:"max_frame_rate" yaml:"max_frame_rate"`
	FrameBurst        int      `json:"frame_burst" yaml:"frame_burst"`
	MaxProtocolErrors int      `json:"max_protocol_errors" yaml:"max_protocol_errors"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	ZoneSweepInterval Duration `json:"zone_sweep_interval" yaml:"zone_sweep_interval"`
}

// LivenessConfig is the heartbeat schedule.
type LivenessConfig struct {
	Interval      Duration `json:"interval" yaml:"interval"`
	AckTimeout    Duration `json:"ack_timeout" yaml:"ack_timeout"`
	MaxViolations int      `json:"max_violations" yaml:"max_violations"`
}

// GeofenceConfig is the trigger evaluation policy.
type GeofenceConfig struct {
	RaiseOnFirstEncounter bool     `json:"raise_on_first_encounter" yaml:"raise_on_first_encounter"`
	SubjectStateMax       int      `json:"subject_state_max" yaml:"subject_state_max"`
	SubjectStateTTL       Duration `json:"subject_state_ttl" yaml:"subject_state_ttl"`
}

// RegistryConfig controls fan-out.
type RegistryConfig struct {
	DeliveryTimeout Duration `json:"delivery_timeout" yaml:"delivery_timeout"`
}

// NATSConfig enables the bus when URLs is non-empty.
type NATSConfig struct {
	URLs                 []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	ClientName           string   `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	Username             string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password             string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token                string   `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects        int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait        Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	PositionSubject      string   `json:"position_subject,omitempty" yaml:"position_subject,omitempty"`
	TriggerSubjectPrefix string   `json:"trigger_subject_prefix" yaml:"trigger_subject_prefix"`
	HistoryStream        string   `json:"history_stream" yaml:"history_stream"`
	HistorySubjectPrefix string   `json:"history_subject_prefix" yaml:"history_subject_prefix"`
	HistoryMaxAge        Duration `json:"history_max_age" yaml:"history_max_age"`
}

// Enabled reports whether a NATS connection is configured.
func (n NATSConfig) Enabled() bool { return len(n.URLs) > 0 }

// RedisConfig enables Redis trigger publishing when Addr is set.
type RedisConfig struct {
	Addr          string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
	DB            int    `json:"db" yaml:"db"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`
}

// Enabled reports whether a Redis publisher is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// StoreConfig locates the metadata store.
type StoreConfig struct {
	SQLitePath   string   `json:"sqlite_path" yaml:"sqlite_path"`
	BusyTimeout  Duration `json:"busy_timeout" yaml:"busy_timeout"`
	MaxOpenConns int      `json:"max_open_conns" yaml:"max_open_conns"`
}

// HistoryConfig selects and sizes the position history sink.
type HistoryConfig struct {
	Sink         string   `json:"sink" yaml:"sink"`
	Workers      int      `json:"workers" yaml:"workers"`
	QueueSize    int      `json:"queue_size" yaml:"queue_size"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:          ":8080",
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			MaxFrameSize:      1 << 20,
			WriteTimeout:      Duration(10 * time.Second),
			MaxFrameRate:      200,
			FrameBurst:        400,
			MaxProtocolErrors: 10,
			ShutdownTimeout:   Duration(15 * time.Second),
			ZoneSweepInterval: Duration(time.Minute),
		},
		Liveness: LivenessConfig{
			Interval:      Duration(30 * time.Second),
			AckTimeout:    Duration(5 * time.Second),
			MaxViolations: 3,
		},
		Geofence: GeofenceConfig{
			RaiseOnFirstEncounter: true,
			SubjectStateMax:       10000,
			SubjectStateTTL:       Duration(time.Hour),
		},
		Registry: RegistryConfig{
			DeliveryTimeout: Duration(5 * time.Second),
		},
		NATS: NATSConfig{
			MaxReconnects:        -1,
			ReconnectWait:        Duration(2 * time.Second),
			TriggerSubjectPrefix: "rtls.triggers",
			HistoryStream:        "RTLS_HISTORY",
			HistorySubjectPrefix: "rtls.history",
			HistoryMaxAge:        Duration(7 * 24 * time.Hour),
		},
		Redis: RedisConfig{
			ChannelPrefix: "rtls:",
		},
		Store: StoreConfig{
			SQLitePath:   "rtlstream.db",
			BusyTimeout:  Duration(5 * time.Second),
			MaxOpenConns: 8,
		},
		History: HistoryConfig{
			Sink:         SinkSQLite,
			Workers:      2,
			QueueSize:    4096,
			WriteTimeout: Duration(2 * time.Second),
		},
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.HTTPAddr != "", "server.http_addr is required")
	check(c.Server.ReadBufferSize > 0, "server.read_buffer_size must be positive")
	check(c.Server.WriteBufferSize > 0, "server.write_buffer_size must be positive")
	check(c.Server.MaxFrameSize > 0, "server.max_frame_size must be positive")
	check(c.Server.WriteTimeout > 0, "server.write_timeout must be positive")
	check(c.Server.MaxFrameRate >= 0, "server.max_frame_rate must not be negative")
	check(c.Server.MaxProtocolErrors > 0, "server.max_protocol_errors must be positive")

	check(c.Liveness.Interval > 0, "liveness.interval must be positive")
	check(c.Liveness.AckTimeout > 0, "liveness.ack_timeout must be positive")
	check(c.Liveness.AckTimeout < c.Liveness.Interval, "liveness.ack_timeout must be shorter than liveness.interval")
	check(c.Liveness.MaxViolations > 0, "liveness.max_violations must be positive")

	check(c.Geofence.SubjectStateMax >= 0, "geofence.subject_state_max must not be negative")
	check(c.Registry.DeliveryTimeout > 0, "registry.delivery_timeout must be positive")
	check(c.Store.SQLitePath != "", "store.sqlite_path is required")

	switch c.History.Sink {
	case SinkSQLite, SinkNone:
	case SinkJetStream:
		check(c.NATS.Enabled(), "history.sink %q requires nats.urls", SinkJetStream)
		check(c.NATS.HistoryStream != "", "nats.history_stream is required for the jetstream sink")
	default:
		check(false, "history.sink %q is not one of sqlite, jetstream, none", c.History.Sink)
	}
	if c.History.Sink != SinkNone {
		check(c.History.Workers > 0, "history.workers must be positive")
		check(c.History.QueueSize > 0, "history.queue_size must be positive")
	}
	check(c.NATS.PositionSubject == "" || c.NATS.Enabled(), "nats.position_subject requires nats.urls")

	for zone, port := range c.Redirects {
		check(zone != 0, "redirects: zone id 0 is not a zone")
		check(port > 0 && port <= 65535, "redirects: invalid port %d for zone %d", port, zone)
	}

	if err := errors.Join(errs...); err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidConfig, err), "Config", "Validate", "validate configuration")
	}
	return nil
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = "***"
	}
	b, err := json.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}

// Duration is a time.Duration that reads and writes as a string such as
// "30s" or "7d". Bare numbers are taken as nanoseconds.
type Duration time.Duration

// D returns the standard library duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	parsed, err := parseDurationWithDays(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// parseDurationWithDays accepts a trailing "d" for whole days.
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
