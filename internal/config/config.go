// Copyright (c) 2026 The rpcproxy Authors.

// Package config loads and validates the proxy's configuration surface
// (spec §6): system-links to peers, the exported-server and
// required-client binding tables, and the local-service-name-to-remote
// mapping that drives binding selection. There is deliberately no
// runtime command-line or environment surface in the embedded library
// itself (spec: "No runtime command-line or environment surface") —
// cmd/rpcproxyd is the one place that reads a path from the command line
// and feeds it in here as JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// SystemLink names one peer system and the transport-module argument
// vector used to reach it.
type SystemLink struct {
	System    string   `json:"system" validate:"required"`
	Transport []string `json:"transport" validate:"required,min=1"`
}

// ExportedServer is a service this node hosts for remote peers.
type ExportedServer struct {
	Service        string `json:"service" validate:"required"`
	Protocol       string `json:"protocol" validate:"required"`
	MaxMessageSize int    `json:"maxMessageSize" validate:"required,gt=0"`
	LocalHandle    string `json:"localHandle" validate:"required"`
	// Peer is the system this service is exported to; "*" exports to
	// every configured system link.
	Peer string `json:"peer" validate:"required"`
}

// RequiredClient is a service this node consumes from a remote peer.
type RequiredClient struct {
	Service        string `json:"service" validate:"required"`
	Protocol       string `json:"protocol" validate:"required"`
	MaxMessageSize int    `json:"maxMessageSize" validate:"required,gt=0"`
	LocalHandle    string `json:"localHandle" validate:"required"`
	Peer           string `json:"peer" validate:"required"`
}

// Durations collects every implementation-defined timing constant spec
// §9's Open Questions leave to the implementation, each overridable from
// the loaded document and defaulting to the "order of seconds" values
// DESIGN.md records.
type Durations struct {
	ClientRequestTimeout time.Duration `json:"clientRequestTimeout"`
	KeepaliveInterval    time.Duration `json:"keepaliveInterval"`
	KeepaliveTimeout     time.Duration `json:"keepaliveTimeout"`
	ServiceRetryInterval time.Duration `json:"serviceRetryInterval"`
}

// DefaultDurations returns the timing constants DESIGN.md settles the
// corresponding Open Question on.
func DefaultDurations() Durations {
	return Durations{
		ClientRequestTimeout: 5 * time.Second,
		KeepaliveInterval:    5 * time.Second,
		KeepaliveTimeout:     15 * time.Second,
		ServiceRetryInterval: 3 * time.Second,
	}
}

// Config is the complete configuration surface passed in by the
// embedding application.
type Config struct {
	SystemLinks []SystemLink     `json:"systemLinks" validate:"required,min=1,dive"`
	Exported    []ExportedServer `json:"exported" validate:"dive"`
	Required    []RequiredClient `json:"required" validate:"dive"`
	Durations   Durations        `json:"durations"`
}

var validate = validator.New()

// Load reads and validates a JSON configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes a JSON configuration document.
func Parse(data []byte) (*Config, error) {
	var c Config
	c.Durations = DefaultDurations()

	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if c.Durations == (Durations{}) {
		c.Durations = DefaultDurations()
	}
	if err := fillZeroDurations(&c.Durations); err != nil {
		return nil, err
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	if err := crossCheck(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func fillZeroDurations(d *Durations) error {
	def := DefaultDurations()
	if d.ClientRequestTimeout == 0 {
		d.ClientRequestTimeout = def.ClientRequestTimeout
	}
	if d.KeepaliveInterval == 0 {
		d.KeepaliveInterval = def.KeepaliveInterval
	}
	if d.KeepaliveTimeout == 0 {
		d.KeepaliveTimeout = def.KeepaliveTimeout
	}
	if d.ServiceRetryInterval == 0 {
		d.ServiceRetryInterval = def.ServiceRetryInterval
	}
	return nil
}

// crossCheck enforces referential rules the validator's per-field tags
// cannot express: every exported/required binding's Peer must name a
// configured system link (or be the "*" wildcard for exports).
func crossCheck(c *Config) error {
	systems := make(map[string]bool, len(c.SystemLinks))
	for _, l := range c.SystemLinks {
		systems[l.System] = true
	}

	for _, e := range c.Exported {
		if e.Peer != "*" && !systems[e.Peer] {
			return fmt.Errorf("config: exported service %q names unknown peer %q", e.Service, e.Peer)
		}
	}
	for _, r := range c.Required {
		if !systems[r.Peer] {
			return fmt.Errorf("config: required service %q names unknown peer %q", r.Service, r.Peer)
		}
	}
	return nil
}
