package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormatsStageAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelDebug).With("run_id", "abc", StageKey, "iso")

	logger.Info("unpacked source image", "path", "/tmp/work dir", "error", errors.New("none"))

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line %q does not start with level", line)
	}
	if !strings.Contains(line, "| [iso] unpacked source image") {
		t.Fatalf("line %q missing stage prefix", line)
	}
	for _, want := range []string{" run_id=abc", ` path="/tmp/work dir"`, " error=none"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestCLIHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)

	var buf bytes.Buffer
	logger := NewCLI(&buf, &levelVar)
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info record leaked at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "WARN ") {
		t.Fatalf("warn record missing: %q", buf.String())
	}
}

func TestCLIHandlerGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, nil).WithGroup("loop")
	logger.Info("attached", "device", "/dev/loop3")

	if !strings.Contains(buf.String(), " loop.device=/dev/loop3") {
		t.Fatalf("grouped attribute missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "debug", want: slog.LevelDebug},
		{input: "WARNING", want: slog.LevelWarn},
		{input: "err", want: slog.LevelError},
		{input: "loud", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseLevel(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if mode, err := ParseMode("json"); err != nil || mode != ModeJSON {
		t.Fatalf("ParseMode(json) = %v, %v", mode, err)
	}
	if _, err := ParseMode("xml"); err == nil {
		t.Fatalf("ParseMode(xml) expected error")
	}
}
