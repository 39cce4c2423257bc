// Copyright (c) 2026 The rpcproxy Authors.

package config_test

import (
	"testing"
	"time"

	"github.com/ipcmesh/rpcproxy/internal/config"
)

const sampleDoc = `{
  "systemLinks": [{"system": "B", "transport": ["tcp", "B.example:9000"]}],
  "exported": [{"service": "svc.foo", "protocol": "P1", "maxMessageSize": 4096, "localHandle": "h1", "peer": "B"}],
  "required": [{"service": "svc.bar", "protocol": "P2", "maxMessageSize": 4096, "localHandle": "h2", "peer": "B"}]
}`

func TestParseValidDocument(t *testing.T) {
	c, err := config.Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(c.SystemLinks) != 1 || c.SystemLinks[0].System != "B" {
		t.Fatalf("SystemLinks = %+v", c.SystemLinks)
	}
	if c.Durations.ClientRequestTimeout != 5*time.Second {
		t.Fatalf("ClientRequestTimeout default = %v, want 5s", c.Durations.ClientRequestTimeout)
	}
}

func TestParseRejectsMissingSystemLinks(t *testing.T) {
	if _, err := config.Parse([]byte(`{"systemLinks": []}`)); err == nil {
		t.Fatalf("Parse accepted an empty systemLinks array")
	}
}

func TestParseRejectsUnknownPeerReference(t *testing.T) {
	doc := `{
      "systemLinks": [{"system": "B", "transport": ["tcp", "B.example:9000"]}],
      "required": [{"service": "svc.bar", "protocol": "P2", "maxMessageSize": 4096, "localHandle": "h2", "peer": "C"}]
    }`
	if _, err := config.Parse([]byte(doc)); err == nil {
		t.Fatalf("Parse accepted a required binding naming an unconfigured peer")
	}
}

func TestParseAllowsExportWildcardPeer(t *testing.T) {
	doc := `{
      "systemLinks": [{"system": "B", "transport": ["tcp", "B.example:9000"]}],
      "exported": [{"service": "svc.foo", "protocol": "P1", "maxMessageSize": 4096, "localHandle": "h1", "peer": "*"}]
    }`
	if _, err := config.Parse([]byte(doc)); err != nil {
		t.Fatalf("Parse rejected a wildcard-peer export: %v", err)
	}
}
