package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sender/internal/eventbus"
	logx "sender/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier: queue full")
	ErrEmpty     = errors.New("notifier: empty message")
)

// Service queues operator messages and delivers them through a Sender.
type Service struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	now     func() time.Time

	queue chan job

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

type job struct {
	key  string
	text string
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// WithBus makes Run report finished broadcasts and publish delivery events.
func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(sender Sender, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		sender:  sender,
		log:     logx.Nop(),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		now:     time.Now,
		queue:   make(chan job, cfg.QueueSize),
		dedup:   map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "notifier"))
	return s
}

// Notify enqueues text. A message identical to one accepted within the dedup
// window is silently dropped.
func (s *Service) Notify(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmpty
	}
	key := dedupKey(text)
	if !s.dedupAllow(key) {
		s.log.Debug("notification deduplicated", logx.String("key", key))
		return nil
	}
	select {
	case s.queue <- job{key: key, text: text}:
		return nil
	default:
		s.dropped.Add(1)
		s.log.Warn("notification dropped (queue full)", logx.Int("queue_cap", cap(s.queue)))
		return ErrQueueFull
	}
}

// Alert implements logx.AlertSink.
func (s *Service) Alert(_ context.Context, text string) error {
	return s.Notify("alert: " + text)
}

// Run delivers queued messages until ctx is done. With a bus attached it also
// turns finished broadcasts into summaries.
func (s *Service) Run(ctx context.Context) error {
	var finished <-chan eventbus.Event
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(32, eventbus.TypeJobFinished)
		defer unsub()
		finished = ch
	}
	s.log.Info("notifier started", logx.Int("rate_per_minute", s.cfg.RatePerMinute))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("notifier stopped",
				logx.Int64("sent", int64(s.sent.Load())),
				logx.Int64("failed", int64(s.failed.Load())),
				logx.Int64("dropped", int64(s.dropped.Load())),
			)
			return nil
		case ev, ok := <-finished:
			if !ok {
				finished = nil
				continue
			}
			if d, ok := ev.Data.(eventbus.JobFinished); ok {
				_ = s.Notify(FormatFinished(d))
			}
		case j := <-s.queue:
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.sender.Send(sctx, j.text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.remember(j.text)
			s.publish(TypeSent, NotificationEvent{Key: j.key, At: s.now()})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.log.Warn("notification failed", logx.Err(lastErr))
	s.publish(TypeFailed, NotificationEvent{Key: j.key, At: s.now(), Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
	}
}

func (s *Service) remember(text string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: s.now(), Text: text})
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// History returns delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// FormatFinished renders the operator summary for a finished broadcast.
func FormatFinished(d eventbus.JobFinished) string {
	var b strings.Builder
	fmt.Fprintf(&b, "broadcast %s %s (%s on %s)\n", d.JobID, d.Status, d.AccountID, d.Platform)
	fmt.Fprintf(&b, "sent %d of %d, failed %d", d.Successful, d.Total, d.Failed)
	if d.Duration > 0 {
		fmt.Fprintf(&b, ", took %s", d.Duration.Round(time.Second))
	}
	if d.Err != "" {
		b.WriteString("\nerror: " + d.Err)
	}
	return b.String()
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > s.cfg.DedupMaxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase with
// 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
