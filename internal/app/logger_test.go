package app

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"  warn  ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	log := NewLogger("warn")
	ctx := context.Background()
	if log.Enabled(ctx, slog.LevelInfo) {
		t.Fatal("info enabled at warn level")
	}
	if !log.Enabled(ctx, slog.LevelError) {
		t.Fatal("error disabled at warn level")
	}
}
