package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/rtlstream/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "RTLS"

// Loader builds a Config from defaults, then each file layer in order, then
// environment overrides. Fields absent from a layer keep their earlier value.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer appends a configuration file. The format follows the extension:
// .yaml and .yml are YAML, anything else JSON.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation turns Validate on or off at the end of Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads defaults overlaid with a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies every layer and returns the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
		if err := decodeLayer(path, data, cfg); err != nil {
			return nil, errors.WrapInvalid(errors.Join(errors.ErrInvalidConfig, err), "Loader", "Load", "parse "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func decodeLayer(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		if err := validateJSONDepth(data); err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

// applyEnvOverrides reads PREFIX_SECTION_FIELD variables for the settings
// operators most often change per deployment.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := l.env(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := l.env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := l.env(name); ok {
			d, err := parseDurationWithDays(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("SERVER_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("SERVER_TCP_ADDR", &cfg.Server.TCPAddr)
	integer("SERVER_MAX_PROTOCOL_ERRORS", &cfg.Server.MaxProtocolErrors)
	duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	duration("LIVENESS_INTERVAL", &cfg.Liveness.Interval)
	duration("LIVENESS_ACK_TIMEOUT", &cfg.Liveness.AckTimeout)
	integer("LIVENESS_MAX_VIOLATIONS", &cfg.Liveness.MaxViolations)

	if v, ok := l.env("NATS_URLS"); ok {
		cfg.NATS.URLs = splitList(v)
	}
	str("NATS_USERNAME", &cfg.NATS.Username)
	str("NATS_PASSWORD", &cfg.NATS.Password)
	str("NATS_TOKEN", &cfg.NATS.Token)
	str("NATS_POSITION_SUBJECT", &cfg.NATS.PositionSubject)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)

	str("STORE_SQLITE_PATH", &cfg.Store.SQLitePath)
	str("HISTORY_SINK", &cfg.History.Sink)

	if err := errors.Join(errs...); err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidConfig, err), "Loader", "applyEnvOverrides", "parse environment")
	}
	return nil
}

func (l *Loader) env(name string) (string, bool) {
	key := l.envPrefix + "_" + name
	v, ok := l.lookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	if err := validateEnvVar(key, v); err != nil {
		return "", false
	}
	return v, true
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes cfg as indented JSON or YAML depending on the extension.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "Save", "encode configuration")
	}
	return safeWriteFile(path, data)
}

