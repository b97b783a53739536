package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sender/internal/broadcast"
	"sender/internal/browser/browsertest"
	"sender/internal/eventbus"
	"sender/internal/metrics"
	"sender/internal/platform"
	"sender/internal/platform/platformtest"
	logx "sender/pkg/logx"
)

type recorder struct {
	mu       sync.Mutex
	logs     []string
	progress [][2]int
}

func (r *recorder) Log(_ context.Context, msg string) {
	r.mu.Lock()
	r.logs = append(r.logs, msg)
	r.mu.Unlock()
}

func (r *recorder) Progress(_ context.Context, s, f int) {
	r.mu.Lock()
	r.progress = append(r.progress, [2]int{s, f})
	r.mu.Unlock()
}

func (r *recorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.logs {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func noPacing(platform.Range) time.Duration { return 0 }

func recipients(contacts ...string) []broadcast.Recipient {
	out := make([]broadcast.Recipient, len(contacts))
	for i, c := range contacts {
		out[i] = broadcast.Recipient{ID: fmt.Sprintf("r%d", i), Contact: c}
	}
	return out
}

func templates(bodies ...string) []broadcast.Template {
	out := make([]broadcast.Template, len(bodies))
	for i, b := range bodies {
		out[i] = broadcast.Template{ID: fmt.Sprintf("t%d", i), Body: b}
	}
	return out
}

func newRun(a *platformtest.Adapter, rep Reporter, rcpts []broadcast.Recipient, tpls []broadcast.Template, mode broadcast.TemplateMode) Run {
	return Run{
		JobID:      "job-1",
		AccountID:  "acc",
		Adapter:    a,
		Driver:     browsertest.New(),
		Recipients: rcpts,
		Templates:  tpls,
		Mode:       mode,
		Stop:       broadcast.NewStopToken(),
		Reporter:   rep,
	}
}

func TestAlternatingSelectsByIndex(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	p := New(WithPacing(noPacing))
	rep := &recorder{}

	res, err := p.Run(context.Background(), newRun(a, rep, recipients("1", "2", "3", "4", "5"), templates("A", "B"), broadcast.ModeAlternating))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Successful)
	assert.True(t, res.OK())

	var bodies []string
	for _, d := range a.Deliveries() {
		bodies = append(bodies, d.Body)
	}
	assert.Equal(t, []string{"A", "B", "A", "B", "A"}, bodies)
}

func TestRandomModeUsesInjectedSource(t *testing.T) {
	a := platformtest.New(broadcast.Telegram)
	var seen []int
	p := New(WithPacing(noPacing), WithRand(func(n int) int {
		seen = append(seen, n)
		return n - 1
	}))

	_, err := p.Run(context.Background(), newRun(a, nil, recipients("x", "y"), templates("A", "B", "C"), broadcast.ModeRandom))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, seen)
	for _, d := range a.Deliveries() {
		assert.Equal(t, "C", d.Body)
	}
}

func TestInvalidConfigurationRejectedBeforeSending(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	p := New(WithPacing(noPacing))

	_, err := p.Run(context.Background(), newRun(a, nil, recipients("1"), nil, broadcast.ModeRandom))
	assert.ErrorIs(t, err, broadcast.ErrInvalidConfiguration)

	_, err = p.Run(context.Background(), newRun(a, nil, recipients("1"), templates("A"), "sequential"))
	assert.ErrorIs(t, err, broadcast.ErrInvalidConfiguration)

	assert.Empty(t, a.Deliveries())
}

func TestFailuresAreIsolatedPerRecipient(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp).
		FailOn("bad", fmt.Errorf("%w: chat did not load", broadcast.ErrConversationNotFound))
	rep := &recorder{}
	p := New(WithPacing(noPacing))

	res, err := p.Run(context.Background(), newRun(a, rep, recipients("good", "bad", "also-good"), templates("hi"), broadcast.ModeAlternating))
	require.NoError(t, err)
	assert.Equal(t, Result{Attempted: 3, Successful: 2, Failed: 1}, res)
	assert.Equal(t, 2, rep.count("sent: "))
	require.Equal(t, 1, rep.count("failed: bad: conversation not found"))
	assert.Len(t, a.Deliveries(), 2)
}

func TestAllFailedIsNotOK(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp).
		FailOn("a", broadcast.ErrNotAuthenticated).
		FailOn("b", broadcast.ErrNotAuthenticated)
	res, err := New(WithPacing(noPacing)).Run(context.Background(), newRun(a, nil, recipients("a", "b"), templates("hi"), ""))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 2, res.Failed)
}

func TestUnconfirmedDeliveryCountsAsSuccess(t *testing.T) {
	a := platformtest.New(broadcast.Telegram).Unconfirmed("slow")
	rep := &recorder{}
	m := metrics.NewCollector()
	p := New(WithPacing(noPacing), WithMetrics(m))

	res, err := p.Run(context.Background(), newRun(a, rep, recipients("slow", "fast"), templates("hi"), ""))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Unconfirmed)
	assert.Equal(t, 1, rep.count("delivery not confirmed: slow"))
	assert.Equal(t, 2, rep.count("sent: "))
}

func TestCloseFailureIsLoggedButSendCounts(t *testing.T) {
	a := platformtest.New(broadcast.Telegram).CloseFails("@bob", errors.New("tab gone"))
	rep := &recorder{}
	var buf bytes.Buffer
	p := New(WithPacing(noPacing), WithLogger(logx.NewWriter(&buf, "debug")))

	res, err := p.Run(context.Background(), newRun(a, rep, recipients("@bob", "@eve"), templates("hi"), ""))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, rep.count("sent: "))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "conversation close failed"))
	assert.Contains(t, out, "tab gone")
	assert.Contains(t, out, `"contact":"@bob"`)
}

func TestProgressNeverExceedsTotal(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp).FailOn("2", errors.New("boom")).FailOn("4", errors.New("boom"))
	rep := &recorder{}
	rcpts := recipients("1", "2", "3", "4", "5", "6")

	_, err := New(WithPacing(noPacing)).Run(context.Background(), newRun(a, rep, rcpts, templates("hi"), ""))
	require.NoError(t, err)
	require.Len(t, rep.progress, len(rcpts))
	prev := 0
	for _, p := range rep.progress {
		done := p[0] + p[1]
		assert.LessOrEqual(t, done, len(rcpts))
		assert.Equal(t, prev+1, done, "progress is written after every recipient")
		prev = done
	}
	assert.Equal(t, [2]int{4, 2}, rep.progress[len(rep.progress)-1])
}

func TestStopTakesEffectAtNextRecipient(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	run := newRun(a, &recorder{}, recipients("1", "2", "3", "4", "5"), templates("hi"), "")
	a.OnSend = func(platformtest.Delivery) { run.Stop.Stop() }

	res, err := New(WithPacing(noPacing)).Run(context.Background(), run)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.Successful, "the in-flight send completes")
	assert.Len(t, a.Deliveries(), 1)
}

func TestStopInterruptsPacing(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	run := newRun(a, nil, recipients("1", "2"), templates("hi"), "")
	p := New(WithPacing(func(platform.Range) time.Duration { return time.Minute }))

	time.AfterFunc(20*time.Millisecond, func() { run.Stop.Stop() })
	start := time.Now()
	res, err := p.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.Successful)
}

func TestStoppedMidTypingIsSkipped(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	rep := &recorder{}
	run := newRun(a, rep, recipients("1", "2"), templates("hi"), "")
	a.OnOpen = func(contact string) {
		if contact == "2" {
			run.Stop.Stop()
		}
	}

	res, err := New(WithPacing(noPacing)).Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, rep.count("skipped: 2 (stopped)"))
	assert.Len(t, rep.progress, 1, "a skipped recipient is not counted")
}

func TestRateLimitWaitIsInterruptible(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	run := newRun(a, nil, recipients("1", "2", "3"), templates("hi"), "")
	p := New(WithPacing(noPacing), WithRateLimit(1))

	time.AfterFunc(20*time.Millisecond, func() { run.Stop.Stop() })
	res, err := p.Run(context.Background(), run)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.Successful, "the second send waits a full minute for its token")
}

func TestSetRateLimitLiftsCap(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	p := New(WithPacing(noPacing), WithRateLimit(1))
	p.SetRateLimit(0)

	res, err := p.Run(context.Background(), newRun(a, nil, recipients("1", "2", "3"), templates("hi"), ""))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Successful)
}

func TestContextCancelAbortsRun(t *testing.T) {
	a := platformtest.New(broadcast.WhatsApp)
	ctx, cancel := context.WithCancel(context.Background())
	run := newRun(a, nil, recipients("1", "2", "3"), templates("hi"), "")
	a.OnSend = func(platformtest.Delivery) { cancel() }

	res, err := New(WithPacing(noPacing)).Run(ctx, run)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Successful)
}

func TestSendResultsArePublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.TypeSendResult)
	defer unsub()

	a := platformtest.New(broadcast.Telegram).FailOn("b", broadcast.ErrConversationNotFound)
	_, err := New(WithPacing(noPacing), WithBus(bus)).Run(context.Background(), newRun(a, nil, recipients("a", "b"), templates("hi"), ""))
	require.NoError(t, err)

	require.Len(t, ch, 2)
	first := (<-ch).Data.(eventbus.SendResult)
	second := (<-ch).Data.(eventbus.SendResult)
	assert.Equal(t, metrics.ResultSent, first.Result)
	assert.Equal(t, metrics.ResultFailed, second.Result)
	assert.Equal(t, 1, second.Index)
	assert.NotEmpty(t, second.Err)
}
