package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("TOYRT_LOG_LEVEL", "debug")
	t.Setenv("TOYRT_LOG_FORMAT", "json")
	o := FromEnv()
	if o.Level != slog.LevelDebug || !o.JSON {
		t.Fatalf("FromEnv = %+v; want debug json", o)
	}
	t.Setenv("TOYRT_LOG_LEVEL", "garbage")
	t.Setenv("TOYRT_LOG_FORMAT", "")
	o = FromEnv()
	if o.Level != slog.LevelInfo || o.JSON {
		t.Fatalf("FromEnv = %+v; want info text", o)
	}
}

func TestScopedLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := Options{Level: slog.LevelInfo, JSON: true, Output: &buf}.New("toyrt")
	l := WithRole(WithRun(base, "run-1"), RoleIO)
	l.Info("swap done")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON record %q: %v", buf.String(), err)
	}
	if rec["component"] != "toyrt" || rec["run_id"] != "run-1" || rec["thr"] != "io" {
		t.Fatalf("missing scoped attrs: %v", rec)
	}
}

func TestRoleLabels(t *testing.T) {
	for id, want := range map[int]string{RoleComm: "comm", RoleIO: "io", RoleMain: "main", 0: "worker-0", 7: "worker-7"} {
		if got := roleLabel(id); got != want {
			t.Fatalf("roleLabel(%d) = %q; want %q", id, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := Options{Level: slog.LevelWarn, Output: &buf}.New("toyrt")
	l.Info("dropped")
	l.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("level filtering broken: %q", buf.String())
	}
}
