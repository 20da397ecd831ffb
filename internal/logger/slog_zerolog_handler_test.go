package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func bridgeOutput(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var out map[string]any
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("log line is not JSON: %q: %v", line, err)
	}
	return out
}

func TestNewSlog_EmitsThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	log := NewSlog(&zl)

	log.Warn("fetch degraded", "district", "PATNA", "months", int64(3), "stale", true)

	out := bridgeOutput(t, &buf)
	if out["level"] != "warn" || out["message"] != "fetch degraded" {
		t.Fatalf("line=%v", out)
	}
	if out["district"] != "PATNA" || out["months"] != float64(3) || out["stale"] != true {
		t.Fatalf("attrs lost: %v", out)
	}
}

func TestNewSlog_ContextFieldsApplied(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	log := NewSlog(&zl)

	ctx := WithRequestID(context.Background(), "abc123")
	ctx = WithComponent(ctx, "http")
	log.InfoContext(ctx, "request served")

	out := bridgeOutput(t, &buf)
	if out["request_id"] != "abc123" || out["component"] != "http" {
		t.Fatalf("context fields missing: %v", out)
	}
}

func TestNewSlog_GroupsFlattened(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	log := NewSlog(&zl).WithGroup("cache").With("op", "mget")

	log.Info("done", "elapsed", 250*time.Millisecond)

	out := bridgeOutput(t, &buf)
	if out["cache.op"] != "mget" {
		t.Fatalf("group prefix missing: %v", out)
	}
	if out["cache.elapsed"] != "250ms" {
		t.Fatalf("duration attr: %v", out)
	}
}

func TestNewSlog_RespectsGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	log := NewSlog(&zl)

	log.Debug("noise")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted at info level: %q", buf.String())
	}
	log.Info("signal")
	if buf.Len() == 0 {
		t.Fatalf("info line suppressed")
	}
}
