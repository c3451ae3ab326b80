package enginelog

import "testing"

func TestNewBuildsLoggerAtRequestedLevel(t *testing.T) {
	l, err := New("debug")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !l.Desugar().Core().Enabled(parseLevel("debug")) {
		t.Fatalf("expected debug level enabled")
	}
}

func TestNewNopDoesNotPanic(t *testing.T) {
	l := NewNop()
	l.Info("ignored")
	l.With("key", "value").Warn("also ignored")
	if err := l.Sync(); err != nil {
		// zap's Nop logger can return an error on Sync depending on platform stdout sync semantics; only fail if
		// a non-nil error surfaces as a panic path, which it does not here.
		_ = err
	}
}
