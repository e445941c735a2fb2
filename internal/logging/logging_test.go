package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseLevel(%q) err=%v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	New("json", slog.LevelInfo, &buf).Info("hello", "ep", 3)
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"ep":3`) {
		t.Fatalf("json output: %s", buf.String())
	}
	buf.Reset()
	New("logfmt?", slog.LevelWarn, &buf).Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %s", buf.String())
	}
	New("text", slog.LevelWarn, &buf).Warn("kept", "node", 1)
	if !strings.Contains(buf.String(), "msg=kept node=1") {
		t.Fatalf("text output: %s", buf.String())
	}
}

func TestSetAndDiscard(t *testing.T) {
	var buf bytes.Buffer
	prev := L()
	defer Set(prev)

	Set(New("text", slog.LevelInfo, &buf))
	Set(nil)
	L().Info("one")
	restore := Discard()
	L().Info("two")
	restore()
	L().Info("three")
	out := buf.String()
	if !strings.Contains(out, "one") || strings.Contains(out, "two") || !strings.Contains(out, "three") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewLimiter(time.Second)
	r.now = func() time.Time { return now }

	if ok, _ := r.Allow("a"); !ok {
		t.Fatal("first line suppressed")
	}
	for i := 0; i < 3; i++ {
		if ok, _ := r.Allow("a"); ok {
			t.Fatal("repeat allowed inside interval")
		}
	}
	if ok, _ := r.Allow("b"); !ok {
		t.Fatal("keys must be independent")
	}
	now = now.Add(time.Second)
	ok, n := r.Allow("a")
	if !ok || n != 3 {
		t.Fatalf("after interval ok=%v suppressed=%d", ok, n)
	}
	if ok, n := r.Allow("a"); ok || n != 0 {
		t.Fatalf("interval not restarted ok=%v n=%d", ok, n)
	}
}

func TestLimiterDisabled(t *testing.T) {
	var nilLimiter *Limiter
	if ok, _ := nilLimiter.Allow("x"); !ok {
		t.Fatal("nil limiter must allow")
	}
	r := NewLimiter(0)
	for i := 0; i < 3; i++ {
		if ok, _ := r.Allow("x"); !ok {
			t.Fatal("zero interval must allow")
		}
	}
}
