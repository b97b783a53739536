package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertSink receives plain-text copies of high-severity records. It must not
// log through the Service that feeds it.
type AlertSink interface {
	Alert(ctx context.Context, text string) error
}

const (
	alertQueueSize = 256
	alertTimeout   = 10 * time.Second
	alertMaxLen    = 3500
	alertMaxValue  = 600
)

// alerter is a zerolog.LevelWriter that hands matching records to a worker.
// Writes never block: a full queue or an exhausted limiter drops the record.
type alerter struct {
	mu      sync.Mutex
	sink    AlertSink
	limiter *rate.Limiter
	min     zerolog.Level

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlerter() *alerter {
	return &alerter{queue: make(chan string, alertQueueSize), min: zerolog.WarnLevel}
}

func (a *alerter) setSink(sink AlertSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

func (a *alerter) configure(cfg AlertConfig) {
	per := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(per), per)
	a.mu.Unlock()
}

func (a *alerter) start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

func (a *alerter) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alerter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sink := a.sink
			a.mu.Unlock()
			if sink == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertTimeout)
			_ = sink.Alert(sctx, text)
			cancel()
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	pass := a.sink != nil && level != zerolog.NoLevel && level >= a.min && a.limiter != nil && a.limiter.Allow()
	a.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatAlert turns one JSON record into
//
//	[ERROR] message
//	key: value
//
// with keys sorted and time/caller left out.
func formatAlert(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}
	level, _ := rec[zerolog.LevelFieldName].(string)
	msg, _ := rec[zerolog.MessageFieldName].(string)

	skip := map[string]bool{
		zerolog.LevelFieldName:     true,
		zerolog.MessageFieldName:   true,
		zerolog.TimestampFieldName: true,
		zerolog.CallerFieldName:    true,
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, truncate(fmt.Sprint(rec[k]), alertMaxValue))
	}
	return truncate(b.String(), alertMaxLen)
}

// truncate cuts s to at most n bytes on a rune boundary, marking the cut with "...".
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
