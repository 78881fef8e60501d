package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("packed", "module", "qkv_proj")
	log.Debug("hidden")

	out := buf.String()
	for _, want := range []string{`"msg":"packed"`, `"module":"qkv_proj"`, `"level":"INFO"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at info level: %s", out)
	}
}

func TestSetup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{"text", "msg=hello"},
		{"pretty", "WRN"},
		{"", "WRN"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		log := Setup(&buf, "warn", tt.format)
		log.Info("dropped")
		log.Warn("hello")
		if !strings.Contains(buf.String(), tt.want) {
			t.Fatalf("format %q: want %q in %q", tt.format, tt.want, buf.String())
		}
		if strings.Contains(buf.String(), "dropped") {
			t.Fatalf("format %q: info written at warn level", tt.format)
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("k", "v").WithGroup("g")
	log.Error("nothing happens")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), Text(&buf, slog.LevelInfo))
	FromContext(ctx).Info("via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Fatalf("context logger not used: %q", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"WARN":    slog.LevelWarn,
		"Debug":   slog.LevelDebug,
		"info+2":  slog.LevelInfo + 2,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrettyAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug).With("run", "abc").WithGroup("layer")
	log.Debug("trimmed", "name", "proj out", "rank", 6, "err", errors.New("bad pad"))

	out := buf.String()
	for _, want := range []string{"DBG", "trimmed", "run=abc", `layer.name="proj out"`, "layer.rank=6", `layer.err="bad pad"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %q", want, out)
		}
	}
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("want one line, got %q", out)
	}
}

func TestPrettyNestedGroupValue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	slog.New(h).Info("m", slog.Group("meta", slog.Int("rank", 4), slog.Group("tile", slog.Int("size", 16))), slog.Group("empty"))

	out := buf.String()
	if !strings.Contains(out, "meta.rank=4") || !strings.Contains(out, "meta.tile.size=16") {
		t.Fatalf("groups not flattened: %q", out)
	}
	if strings.Contains(out, "empty") {
		t.Fatalf("empty group written: %q", out)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	for s, want := range map[string]bool{
		"simple":     false,
		"a.b_c-1":    false,
		"with space": true,
		"tab\there":  true,
		`say "hi"`:   true,
		"k=v":        true,
		"":           true,
	} {
		if got := needsQuoting(s); got != want {
			t.Errorf("needsQuoting(%q) = %v, want %v", s, got, want)
		}
	}
}
