package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func parseLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, line)
	}
	return entry
}

// TestLogger_BasicFields verifies level, message, and fields appear in
// the JSON output.
func TestLogger_BasicFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("info", &buf)

	l.Info(context.Background(), "query fetched", Field{Key: "endpoint", Value: "getDocument"})

	entry := parseLogLine(t, &buf)
	if entry["level"] != "info" {
		t.Errorf("expected level info, got %v", entry["level"])
	}
	if entry["msg"] != "query fetched" {
		t.Errorf("expected message, got %v", entry["msg"])
	}
	if entry["endpoint"] != "getDocument" {
		t.Errorf("expected endpoint field, got %v", entry["endpoint"])
	}
	if entry["timestamp"] == nil {
		t.Error("expected timestamp")
	}
}

// TestLogger_LevelFiltering verifies entries below the configured level
// are dropped.
func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("warn", &buf)

	l.Debug(context.Background(), "dropped")
	l.Info(context.Background(), "dropped too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	l.Warn(context.Background(), "kept")
	if buf.Len() == 0 {
		t.Error("warn entry should be written")
	}
}

// TestLogger_CredentialRedaction verifies credential-bearing fields never
// reach the output verbatim.
func TestLogger_CredentialRedaction(t *testing.T) {
	for _, key := range []string{"token", "access_token", "refresh_token", "authorization", "password", "api_key"} {
		var buf bytes.Buffer
		l := NewLoggerWithWriter("debug", &buf)

		l.Info(context.Background(), "auth event", Field{Key: key, Value: "super-secret-value"})

		entry := parseLogLine(t, &buf)
		if entry[key] != "[REDACTED]" {
			t.Errorf("field %q not redacted: %v", key, entry[key])
		}
		if strings.Contains(buf.String(), "super-secret-value") {
			t.Errorf("credential leaked into output for key %q", key)
		}
	}
}

// TestLogger_WithOp verifies operation context is attached to every entry
// of the derived logger.
func TestLogger_WithOp(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("debug", &buf)

	opLogger := l.WithOp(OpMeta{Endpoint: "getDocument", Kind: KindQuery})
	opLogger.Debug(context.Background(), "fetch started")

	entry := parseLogLine(t, &buf)
	if entry["op.id"] != "query.getDocument" {
		t.Errorf("expected op.id, got %v", entry["op.id"])
	}
	if entry["op.endpoint"] != "getDocument" {
		t.Errorf("expected op.endpoint, got %v", entry["op.endpoint"])
	}
	if entry["op.kind"] != "query" {
		t.Errorf("expected op.kind, got %v", entry["op.kind"])
	}

	// The parent logger is unaffected.
	buf.Reset()
	l.Info(context.Background(), "plain")
	entry = parseLogLine(t, &buf)
	if _, ok := entry["op.endpoint"]; ok {
		t.Error("parent logger must not carry operation context")
	}
}

// TestLogger_ConcurrentUse exercises the logger from parallel goroutines;
// run with -race.
func TestLogger_ConcurrentUse(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("debug", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l.Info(context.Background(), "concurrent", Field{Key: "n", Value: j})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 160 {
		t.Errorf("expected 160 log lines, got %d", len(lines))
	}
}

// TestParseLogLevel covers the level parsing fallback.
func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug": LevelDebug,
		"info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"bogus": LevelInfo,
		"":      LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
