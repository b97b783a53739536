// Package dispatch runs the send loop of one broadcast job.
//
// The pipeline iterates recipients in order, picks a template for each,
// sends through the platform adapter and reports counters and log lines
// back through a Reporter. A failing recipient never stops the loop; only
// the stop token or the context do. The pipeline does not know about
// sessions, locks or the active-job set.
package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sender/internal/broadcast"
	"sender/internal/browser"
	"sender/internal/eventbus"
	"sender/internal/metrics"
	"sender/internal/platform"
	logx "sender/pkg/logx"
)

// Reporter receives job progress. Both calls are best-effort: implementations
// log their own write failures and never abort the job.
type Reporter interface {
	Log(ctx context.Context, msg string)
	Progress(ctx context.Context, successful, failed int)
}

// Run is the input of one pipeline execution.
type Run struct {
	JobID      string
	AccountID  string
	Adapter    platform.Adapter
	Driver     browser.Driver
	Recipients []broadcast.Recipient
	Templates  []broadcast.Template
	Mode       broadcast.TemplateMode
	Stop       *broadcast.StopToken
	Reporter   Reporter
}

type Result struct {
	Attempted   int
	Successful  int
	Failed      int
	Unconfirmed int
	// Stopped is set when the stop token ended the loop early.
	Stopped bool
}

// OK reports whether at least one send succeeded.
func (r Result) OK() bool { return r.Successful > 0 }

type Pipeline struct {
	log     logx.Logger
	metrics *metrics.Collector
	bus     eventbus.Bus
	now     func() time.Time
	intn    func(n int) int
	pace    func(platform.Range) time.Duration

	perMinute int
	lmu       sync.Mutex
	limiters  map[string]*rate.Limiter
}

type Option func(*Pipeline)

func WithLogger(l logx.Logger) Option         { return func(p *Pipeline) { p.log = l } }
func WithMetrics(c *metrics.Collector) Option { return func(p *Pipeline) { p.metrics = c } }
func WithBus(b eventbus.Bus) Option           { return func(p *Pipeline) { p.bus = b } }
func WithClock(now func() time.Time) Option   { return func(p *Pipeline) { p.now = now } }

// WithRand replaces the uniform source used by random template selection.
func WithRand(intn func(n int) int) Option { return func(p *Pipeline) { p.intn = intn } }

// WithPacing replaces the inter-recipient delay picker.
func WithPacing(f func(platform.Range) time.Duration) Option {
	return func(p *Pipeline) { p.pace = f }
}

// WithRateLimit caps sends per account to n per minute, on top of pacing.
// n <= 0 disables the cap.
func WithRateLimit(n int) Option { return func(p *Pipeline) { p.perMinute = n } }

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		log:      logx.Nop(),
		bus:      eventbus.Nop{},
		now:      time.Now,
		intn:     rand.IntN,
		pace:     platform.Range.Pick,
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	p.log = p.log.With(logx.String("comp", "dispatch"))
	return p
}

// Run sends to every recipient of run in order. It returns an error only for
// invalid input or a done ctx; per-recipient failures are counted in Result.
func (p *Pipeline) Run(ctx context.Context, run Run) (Result, error) {
	var res Result
	pick, err := selector(run.Mode, run.Templates, p.intn)
	if err != nil {
		return res, err
	}
	if run.Adapter == nil || run.Driver == nil {
		return res, fmt.Errorf("%w: no adapter or driver", broadcast.ErrInvalidConfiguration)
	}
	rep := run.Reporter
	if rep == nil {
		rep = nopReporter{}
	}
	plat := string(run.Adapter.Platform())
	timing := run.Adapter.Timing()
	log := p.log.With(logx.String("job", run.JobID), logx.String("platform", plat))

	for i, rcpt := range run.Recipients {
		if run.Stop.Stopped() {
			res.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if ok, err := p.throttle(ctx, run.AccountID, run.Stop); err != nil {
			return res, err
		} else if !ok {
			res.Stopped = true
			break
		}

		tpl := pick(i)
		started := p.now()
		out, err := platform.Send(ctx, run.Adapter, run.Driver, rcpt.Contact, tpl.Body, run.Stop)
		took := p.now().Sub(started)
		if out.CloseErr != nil {
			log.Warn("conversation close failed", logx.String("contact", rcpt.Contact), logx.Err(out.CloseErr))
		}

		switch {
		case err != nil && ctx.Err() != nil:
			return res, ctx.Err()
		case err != nil:
			res.Attempted++
			res.Failed++
			rerr := &broadcast.RecipientError{Contact: rcpt.Contact, Err: err}
			rep.Log(ctx, "failed: "+rerr.Error())
			log.Warn("send failed", logx.String("contact", rcpt.Contact), logx.Err(err))
			p.record(run.JobID, i, rcpt.Contact, plat, metrics.ResultFailed, took, err)
		case !out.Sent:
			rep.Log(ctx, fmt.Sprintf("skipped: %s (stopped)", rcpt.Contact))
			p.record(run.JobID, i, rcpt.Contact, plat, metrics.ResultSkipped, took, nil)
			res.Stopped = true
		default:
			res.Attempted++
			res.Successful++
			result := metrics.ResultSent
			if !out.Confirmed {
				res.Unconfirmed++
				result = metrics.ResultUnconfirmed
				rep.Log(ctx, "delivery not confirmed: "+rcpt.Contact)
				log.Warn("delivery not confirmed", logx.String("contact", rcpt.Contact),
					logx.Err(broadcast.ErrDeliveryUnconfirmed))
			}
			rep.Log(ctx, "sent: "+rcpt.Contact)
			p.record(run.JobID, i, rcpt.Contact, plat, result, took, nil)
		}
		if res.Stopped {
			break
		}
		rep.Progress(ctx, res.Successful, res.Failed)

		if i < len(run.Recipients)-1 {
			ok, err := wait(ctx, p.pace(timing.Pacing), run.Stop)
			if err != nil {
				return res, err
			}
			if !ok {
				res.Stopped = true
				break
			}
		}
	}
	log.Info("dispatch finished",
		logx.Int("successful", res.Successful), logx.Int("failed", res.Failed),
		logx.Int("unconfirmed", res.Unconfirmed), logx.Bool("stopped", res.Stopped))
	return res, nil
}

func (p *Pipeline) record(jobID string, i int, contact, plat, result string, took time.Duration, err error) {
	p.metrics.SendResult(plat, result, took)
	ev := eventbus.SendResult{JobID: jobID, Index: i, Contact: contact, Result: result}
	if err != nil {
		ev.Err = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeSendResult, Data: ev})
}

// SetRateLimit changes the per-account cap for sends that have not been
// reserved yet.
func (p *Pipeline) SetRateLimit(n int) {
	p.lmu.Lock()
	defer p.lmu.Unlock()
	if n == p.perMinute {
		return
	}
	p.perMinute = n
	for _, lim := range p.limiters {
		if n > 0 {
			lim.SetLimit(rate.Every(time.Minute / time.Duration(n)))
		}
	}
	if n <= 0 {
		p.limiters = map[string]*rate.Limiter{}
	}
}

// throttle waits for the account's rate limiter, if any.
func (p *Pipeline) throttle(ctx context.Context, accountID string, stop *broadcast.StopToken) (bool, error) {
	p.lmu.Lock()
	if p.perMinute <= 0 {
		p.lmu.Unlock()
		return true, nil
	}
	lim := p.limiters[accountID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.perMinute)), 1)
		p.limiters[accountID] = lim
	}
	p.lmu.Unlock()

	r := lim.Reserve()
	ok, err := wait(ctx, r.Delay(), stop)
	if !ok || err != nil {
		r.Cancel()
	}
	return ok, err
}

// wait sleeps for d unless stop fires (false) or ctx is done (error).
func wait(ctx context.Context, d time.Duration, stop *broadcast.StopToken) (bool, error) {
	if d <= 0 {
		return !stop.Stopped(), ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-stop.Done():
		return false, nil
	case <-t.C:
		return true, nil
	}
}

type nopReporter struct{}

func (nopReporter) Log(context.Context, string)        {}
func (nopReporter) Progress(context.Context, int, int) {}
