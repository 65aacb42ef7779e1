// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"
)

func TestParseString(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		set      bool
		fallback string
		want     string
	}{
		{name: "set", key: "TEST_PS_SET", value: "hello", set: true, fallback: "def", want: "hello"},
		{name: "unset", key: "TEST_PS_UNSET", fallback: "def", want: "def"},
		{name: "empty uses default", key: "TEST_PS_EMPTY", value: "", set: true, fallback: "def", want: "def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.set {
				t.Setenv(tt.key, tt.value)
			}
			if got := ParseString(tt.key, tt.fallback); got != tt.want {
				t.Errorf("ParseString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestParseInt(t *testing.T) {
	t.Setenv("TEST_PI_OK", "42")
	t.Setenv("TEST_PI_BAD", "not-a-number")

	if got := ParseInt("TEST_PI_OK", 7); got != 42 {
		t.Errorf("ParseInt ok = %d, want 42", got)
	}
	if got := ParseInt("TEST_PI_BAD", 7); got != 7 {
		t.Errorf("ParseInt bad = %d, want default 7", got)
	}
	if got := ParseInt("TEST_PI_MISSING", 7); got != 7 {
		t.Errorf("ParseInt missing = %d, want default 7", got)
	}
}

func TestParseSeconds(t *testing.T) {
	t.Setenv("TEST_SECS", "14400")
	if got := ParseSeconds("TEST_SECS", time.Minute); got != 4*time.Hour {
		t.Errorf("ParseSeconds = %s, want 4h", got)
	}

	t.Setenv("TEST_SECS_NEG", "-5")
	if got := ParseSeconds("TEST_SECS_NEG", time.Minute); got != time.Minute {
		t.Errorf("ParseSeconds negative = %s, want default 1m", got)
	}

	if got := ParseSeconds("TEST_SECS_MISSING", 30*time.Second); got != 30*time.Second {
		t.Errorf("ParseSeconds missing = %s, want default 30s", got)
	}
}

func TestParseDuration(t *testing.T) {
	t.Setenv("TEST_PD_OK", "90s")
	t.Setenv("TEST_PD_BAD", "ninety")

	if got := ParseDuration("TEST_PD_OK", time.Second); got != 90*time.Second {
		t.Errorf("ParseDuration ok = %s, want 90s", got)
	}
	if got := ParseDuration("TEST_PD_BAD", time.Second); got != time.Second {
		t.Errorf("ParseDuration bad = %s, want default 1s", got)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true}, {"1", true}, {"yes", true},
		{"false", false}, {"0", false}, {"no", false},
		{"TRUE", true}, {"No", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_PB", tt.value)
			if got := ParseBool("TEST_PB", !tt.want); got != tt.want {
				t.Errorf("ParseBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	t.Run("garbage uses default", func(t *testing.T) {
		t.Setenv("TEST_PB", "maybe")
		if got := ParseBool("TEST_PB", true); got != true {
			t.Error("ParseBool garbage should return default")
		}
	})
}

func TestSensitiveKey(t *testing.T) {
	for key, want := range map[string]bool{
		"LIVEKIT_API_SECRET": true,
		"LIVEKIT_API_KEY":    true,
		"DATABASE_URL":       true,
		"REDIS_URL":          true,
		"ADMIN_TOKEN":        true,
		"SESSION_TIMEOUT":    false,
		"LOG_LEVEL":          false,
	} {
		if got := sensitiveKey(key); got != want {
			t.Errorf("sensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
