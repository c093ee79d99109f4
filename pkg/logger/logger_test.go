package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestWithCallAddsAttributesOnce(t *testing.T) {
	var buf bytes.Buffer
	ctx := With(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	ctx, _ = WithCall(ctx, "telnyx", "v3:1")
	ctx, _ = WithCall(ctx, "", "v3:1")
	_, log := WithCall(ctx, "telnyx", "v3:1")
	log.Info("routed")

	line := buf.String()
	if n := strings.Count(line, "call_id="); n != 1 {
		t.Fatalf("expected call_id once, got %d: %s", n, line)
	}
	if n := strings.Count(line, "vendor="); n != 1 {
		t.Fatalf("expected vendor once, got %d: %s", n, line)
	}
}

func TestWithCallSwitchesCall(t *testing.T) {
	var buf bytes.Buffer
	ctx := With(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	ctx, _ = WithCall(ctx, "", "a")
	_, log := WithCall(ctx, "", "b")
	log.Info("x")

	if !strings.Contains(buf.String(), "call_id=b") {
		t.Fatalf("expected the new call id: %s", buf.String())
	}
}
