package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func decode(t *testing.T, line []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		t.Fatalf("bad json %q: %v", line, err)
	}
	return m
}

func TestWriterCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "jobs"))
	log.Info("job started", String("job", "j1"), Int("total", 3), Err(errors.New("boom")))

	m := decode(t, buf.Bytes())
	if m["message"] != "job started" || m["comp"] != "jobs" || m["job"] != "j1" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["total"] != float64(3) || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled")
	}
	log.Warn("loud")
	if buf.Len() == 0 {
		t.Fatal("warn not written")
	}
}

func TestNopAndZero(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	if Nop().IsZero() {
		t.Fatal("Nop is a real logger")
	}
	Nop().Error("dropped")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" INFO ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatAlert(t *testing.T) {
	got := formatAlert([]byte(`{"level":"error","message":"send failed","time":"x","job":"j1","account":"a"}`))
	want := "[ERROR] send failed\naccount: a\njob: j1"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-json = %q", got)
	}
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate = %q", got)
	}
}

type captureSink struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSink) Alert(_ context.Context, text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func TestServiceRoutesAlerts(t *testing.T) {
	svc, log := New(Config{Level: "debug", Console: true, Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetAlertSink(sink)

	log.Warn("below threshold")
	log.Error("session lost", String("account", "acc"))

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("alerts = %v", got)
	}
	if !strings.HasPrefix(got[0], "[ERROR] session lost") || !strings.Contains(got[0], "account: acc") {
		t.Fatalf("alert = %q", got[0])
	}
}
