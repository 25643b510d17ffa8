package util

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPhoneFieldIsMasked(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Get()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })

	Info("code sent", Phone("phone", "+5511999991234"), String("store_id", "S1"))

	entries := logs.FilterMessage("code sent").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["phone"] != "**********1234" || fields["store_id"] != "S1" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	} {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
