// Package config resolves the server configuration from a YAML file and
// command line overrides, and turns it into a validated trickle.Plan.
package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/charconstpointer/trickle"
	"github.com/charconstpointer/trickle/internal/logx"
)

const (
	DefaultBind          = "127.0.0.1"
	DefaultGenerateBytes = 64 * 1024
)

// Config is everything needed to start a server.
type Config struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	ChunkSize int      `yaml:"chunk_size"`
	Interval  Duration `yaml:"interval"`
	Repeat    bool     `yaml:"repeat"`
	MaxBytes  int      `yaml:"max_bytes"`

	// Payload is the file streamed to clients. When empty, PayloadGenerate
	// bytes of random little endian float32 values are used instead.
	Payload         string `yaml:"payload"`
	PayloadGenerate int    `yaml:"payload_generate"`

	Workers      int      `yaml:"workers"`
	TotalRate    int      `yaml:"total_rate"`
	ConnRate     int      `yaml:"conn_rate"`
	WriteTimeout Duration `yaml:"write_timeout"`

	// Reload rebuilds the plan when the config or payload file changes.
	Reload bool `yaml:"reload"`

	Log     logx.Config   `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9100".
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		Bind:            DefaultBind,
		PayloadGenerate: DefaultGenerateBytes,
		Workers:         trickle.DefaultWorkers,
		Log:             logx.Config{Level: "info", Format: "console"},
	}
}

// Load reads path on top of Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Addr is the host:port the server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// ValidationError describes one invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks every field and returns all problems joined together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Port < 0 || c.Port > math.MaxUint16 {
		bad("port", "%d is outside 0-65535", c.Port)
	}
	if strings.TrimSpace(c.Bind) == "" {
		bad("bind", "address is empty")
	}
	if c.ChunkSize < 1 {
		bad("chunk_size", "%d must be at least 1", c.ChunkSize)
	}
	if c.Interval < 0 {
		bad("interval", "%s must not be negative", c.Interval)
	}
	if c.MaxBytes < 0 {
		bad("max_bytes", "%d must not be negative", c.MaxBytes)
	}
	if c.Payload == "" && c.PayloadGenerate < 1 {
		bad("payload", "no payload file and payload_generate is %d", c.PayloadGenerate)
	}
	if c.Workers < 1 {
		bad("workers", "%d must be at least 1", c.Workers)
	}
	if c.TotalRate < 0 {
		bad("total_rate", "%d must not be negative", c.TotalRate)
	}
	if c.ConnRate < 0 {
		bad("conn_rate", "%d must not be negative", c.ConnRate)
	}
	if c.TotalRate > 0 && c.ConnRate > c.TotalRate {
		bad("conn_rate", "%d is greater than total_rate %d", c.ConnRate, c.TotalRate)
	}
	if c.WriteTimeout < 0 {
		bad("write_timeout", "%s must not be negative", c.WriteTimeout)
	}
	if !logx.ValidLevel(c.Log.Level) {
		bad("log.level", "unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "console", "json":
	default:
		bad("log.format", "unknown format %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// LoadPayload reads the payload file, or generates one when no file is set.
func (c *Config) LoadPayload() ([]byte, error) {
	if c.Payload == "" {
		return Generate(c.PayloadGenerate), nil
	}
	b, err := os.ReadFile(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("read payload %s: %w", c.Payload, trickle.ErrEmptyPayload)
	}
	return b, nil
}

// Plan loads the payload and builds the transmission plan.
func (c *Config) Plan() (*trickle.Plan, error) {
	payload, err := c.LoadPayload()
	if err != nil {
		return nil, err
	}
	return trickle.NewPlan(payload, c.ChunkSize, c.Interval.Std(), c.Repeat, c.MaxBytes)
}

// Options maps the config onto server options.
func (c *Config) Options() trickle.Options {
	return trickle.Options{
		Addr:         c.Addr(),
		Workers:      c.Workers,
		TotalRate:    c.TotalRate,
		ConnRate:     c.ConnRate,
		WriteTimeout: c.WriteTimeout.Std(),
	}
}

// Generate returns n bytes of random little endian float32 values in [0, 1).
// A trailing remainder shorter than 4 bytes is filled with random bytes.
func Generate(n int) []byte {
	if n <= 0 {
		return nil
	}
	b := make([]byte, n)
	i := 0
	for ; i+4 <= n; i += 4 {
		binary.LittleEndian.PutUint32(b[i:], math.Float32bits(rand.Float32()))
	}
	for ; i < n; i++ {
		b[i] = byte(rand.IntN(256))
	}
	return b
}

// Duration is a time.Duration read from YAML either as a Go duration
// string ("250ms", "1s") or as a plain integer number of milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration accepts a Go duration or an integer number of milliseconds.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}
