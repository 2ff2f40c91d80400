package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	logger := New("info", "json")
	if logger == nil {
		t.Fatal("Expected non-nil logger for JSON format")
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestWithEventID_And_EventID(t *testing.T) {
	ctx := context.Background()

	// No event ID initially
	if id := EventID(ctx); id != "" {
		t.Errorf("Expected empty event ID, got %q", id)
	}

	// Set event ID
	ctx = WithEventID(ctx, "evt-123")
	if id := EventID(ctx); id != "evt-123" {
		t.Errorf("Expected evt-123, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	// Default logger when none set
	logger := FromContext(ctx)
	if logger == nil {
		t.Fatal("Expected default logger")
	}

	// Set custom logger
	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)

	retrieved := FromContext(ctx)
	if retrieved != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_WithEventID(t *testing.T) {
	ctx := context.Background()
	ctx = WithEventID(ctx, "evt-456")
	ctx = WithLogger(ctx, New("info", "text"))

	logger := L(ctx)
	if logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}

func TestL_WithoutEventID(t *testing.T) {
	ctx := context.Background()
	ctx = WithLogger(ctx, New("info", "text"))

	logger := L(ctx)
	if logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}

func TestEventID_OverwritesPrevious(t *testing.T) {
	ctx := context.Background()
	ctx = WithEventID(ctx, "first")
	ctx = WithEventID(ctx, "second")

	if id := EventID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
}
