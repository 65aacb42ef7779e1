// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigureAttachesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "orchestrator-test", Version: "v1.2.3"})

	WithComponent("store").Info().Str(FieldEvent, "test.event").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["service"] != "orchestrator-test" {
		t.Errorf("service = %v, want orchestrator-test", entry["service"])
	}
	if entry["version"] != "v1.2.3" {
		t.Errorf("version = %v, want v1.2.3", entry["version"])
	}
	if entry["component"] != "store" {
		t.Errorf("component = %v, want store", entry["component"])
	}
	if entry["event"] != "test.event" {
		t.Errorf("event = %v, want test.event", entry["event"])
	}
}

func TestConfigureConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Format: "console", Output: &buf, Service: "orchestrator-test"})

	Base().Info().Msg("console line")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("console format produced JSON: %q", out)
	}
	if !strings.Contains(out, "console line") {
		t.Errorf("missing message in console output: %q", out)
	}
}

func TestDeriveAddsFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf, Service: "orchestrator-test"})

	l := Derive(func(c *zerolog.Context) {
		*c = c.Str(FieldSessionID, "session_123")
	})
	l.Info().Msg("derived")

	if !strings.Contains(buf.String(), `"session_id":"session_123"`) {
		t.Errorf("derived logger missing session_id: %q", buf.String())
	}
}
