package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestNew_UnknownEnv(t *testing.T) {
	if _, err := New("staging", ""); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func TestNew_LevelOverride(t *testing.T) {
	l, err := New("local", "warn")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled with warn override")
	}
	if !l.Core().Enabled(zap.WarnLevel) {
		t.Error("warn should be enabled")
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("local", "loud"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestFromContext_Fallback(t *testing.T) {
	if l := FromContext(context.Background()); l == nil {
		t.Fatal("expected nop logger, got nil")
	}

	want := zap.NewNop().With(zap.String("k", "v"))
	ctx := WithContext(context.Background(), want)
	if got := FromContext(ctx); got != want {
		t.Error("stored logger not returned")
	}
}
