package utils

import (
	"testing"
	"time"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("RELAY_INT", "42")
	t.Setenv("RELAY_BAD_INT", "forty")
	t.Setenv("RELAY_BOOL", "Yes")
	t.Setenv("RELAY_OFF", "0")
	t.Setenv("RELAY_DURATION", "250ms")
	t.Setenv("RELAY_EMPTY", "")

	if got := GetEnv("RELAY_EMPTY", "fallback"); got != "fallback" {
		t.Errorf("GetEnv(empty) = %q, want fallback", got)
	}
	if got := GetEnvInt("RELAY_INT", 1); got != 42 {
		t.Errorf("GetEnvInt() = %d, want 42", got)
	}
	if got := GetEnvInt("RELAY_BAD_INT", 7); got != 7 {
		t.Errorf("GetEnvInt(bad) = %d, want 7", got)
	}
	if got := GetEnvInt64("RELAY_INT", 1); got != 42 {
		t.Errorf("GetEnvInt64() = %d, want 42", got)
	}
	if !GetEnvBool("RELAY_BOOL", false) {
		t.Error("GetEnvBool(Yes) = false")
	}
	if GetEnvBool("RELAY_OFF", true) {
		t.Error("GetEnvBool(0) = true")
	}
	if !GetEnvBool("RELAY_UNSET", true) {
		t.Error("GetEnvBool(unset) ignored the default")
	}
	if got := GetEnvDuration("RELAY_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("GetEnvDuration() = %v, want 250ms", got)
	}
}
