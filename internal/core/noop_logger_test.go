package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultSettingsAreInert(t *testing.T) {
	s := defaultSettings()

	s.logger.Debug("debug", "key", "value")
	s.logger.Info("info", "key", "value")
	s.logger.Warn("warn", "key", "value")
	s.logger.Error("error", "key", "value")
	s.metrics.Observe(context.Background(), "submit", true, time.Millisecond)

	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	got, span := s.tracer.Start(ctx, "query:books")
	if got != ctx {
		t.Fatalf("noop tracer must return the caller's context")
	}
	span.End(errors.New("ignored"))

	if now := s.clock.Now(); now.Location() != time.UTC {
		t.Fatalf("expected UTC clock, got %v", now.Location())
	}
}

type ctxKey struct{}
