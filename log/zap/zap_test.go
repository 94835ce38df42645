package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/offline"
)

func TestFieldsReachZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := ZapLogger{L: zap.New(core)}

	l.Warn("replay failed", offline.Fields{"id": uint64(3), "err": errors.New("reset")})
	l.Debug("no fields", nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["id"] != uint64(3) || ctx["err"] != "reset" {
		t.Fatalf("context = %v", ctx)
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("level = %v", entries[0].Level)
	}
}
