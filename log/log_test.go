package log

import (
	"context"
	"log/slog"
	"testing"
)

func TestDevModeLowersLevel(t *testing.T) {
	ctx := context.Background()

	if NewHandler("loom", false).Enabled(ctx, slog.LevelDebug) {
		t.Error("debug should be disabled outside dev mode")
	}
	if !NewHandler("loom", false).Enabled(ctx, slog.LevelInfo) {
		t.Error("info should always be enabled")
	}
	if !NewHandler("loom", true).Enabled(ctx, slog.LevelDebug) {
		t.Error("dev mode should enable debug")
	}
}

func TestContextRoundTrip(t *testing.T) {
	l := New("loom", false)
	ctx := IntoContext(context.Background(), l)

	if got := FromContext(ctx); got != l {
		t.Error("context did not return the stored logger")
	}
	if got := FromContext(context.Background()); got != slog.Default() {
		t.Error("empty context should fall back to the default logger")
	}
	if got := FromContext(nil); got != slog.Default() {
		t.Error("nil context should fall back to the default logger")
	}
}
