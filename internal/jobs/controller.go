// Package jobs owns the broadcast job state machine.
//
// A job moves pending -> running -> {completed, failed, paused}. The
// Controller is the only writer of job status. Each live job holds a slot in
// the active set carrying its stop token and a terminal claim: whichever of
// Stop or the finishing run takes the claim first writes the one terminal
// status, the other writes nothing.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sender/internal/broadcast"
	"sender/internal/dispatch"
	"sender/internal/eventbus"
	"sender/internal/metrics"
	"sender/internal/platform"
	"sender/internal/runtime/supervisor"
	"sender/internal/session"
	"sender/internal/storage"
	logx "sender/pkg/logx"
)

// StartRequest carries everything a job needs to run. The caller resolves
// recipients and templates; the controller never reads them from storage.
type StartRequest struct {
	JobID       string                 `json:"job_id"`
	UserID      string                 `json:"user_id"`
	AccountID   string                 `json:"account_id"`
	Platform    broadcast.Platform     `json:"platform"`
	Recipients  []broadcast.Recipient  `json:"recipients"`
	Templates   []broadcast.Template   `json:"templates"`
	Mode        broadcast.TemplateMode `json:"template_mode"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
}

// Sessions is the part of session.Manager the controller drives.
type Sessions interface {
	Acquire(ctx context.Context, accountID string, p broadcast.Platform) (*session.Session, error)
	Lock(ctx context.Context, accountID string, stop *broadcast.StopToken) (func(), error)
}

// activeJob is one slot in the active set.
type activeJob struct {
	id      string
	stop    *broadcast.StopToken
	claimed atomic.Bool
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
}

// claim reports whether the caller won the right to write the terminal status.
func (a *activeJob) claim() bool { return a.claimed.CompareAndSwap(false, true) }

const terminalWriteTimeout = 10 * time.Second

type Controller struct {
	store    storage.JobStore
	sessions Sessions
	adapters *platform.Registry
	pipeline *dispatch.Pipeline

	sup     *supervisor.Supervisor
	log     logx.Logger
	metrics *metrics.Collector
	bus     eventbus.Bus
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*activeJob
}

type Option func(*Controller)

func WithLogger(l logx.Logger) Option         { return func(c *Controller) { c.log = l } }
func WithMetrics(m *metrics.Collector) Option { return func(c *Controller) { c.metrics = m } }
func WithBus(b eventbus.Bus) Option           { return func(c *Controller) { c.bus = b } }
func WithClock(now func() time.Time) Option   { return func(c *Controller) { c.now = now } }

// WithSupervisor hosts background jobs started by Submit.
func WithSupervisor(s *supervisor.Supervisor) Option { return func(c *Controller) { c.sup = s } }

func NewController(store storage.JobStore, sessions Sessions, adapters *platform.Registry, pipeline *dispatch.Pipeline, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		sessions: sessions,
		adapters: adapters,
		pipeline: pipeline,
		log:      logx.Nop(),
		bus:      eventbus.Nop{},
		now:      time.Now,
		active:   map[string]*activeJob{},
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	if c.pipeline == nil {
		c.pipeline = dispatch.New()
	}
	if c.sup == nil {
		c.sup = supervisor.New(context.Background(), supervisor.WithLogger(c.log))
	}
	c.log = c.log.With(logx.String("comp", "jobs"))
	return c
}

// Start runs the job in the calling goroutine and returns once it reached a
// terminal status. The result reports whether at least one send succeeded.
//
// An unsupported platform fails with broadcast.ErrUnsupportedPlatform before
// any write. Once the job is marked running every later problem is recorded
// on the job itself and Start returns a nil error.
func (c *Controller) Start(ctx context.Context, req StartRequest) (bool, error) {
	adapter, err := c.prepare(ctx, req)
	if err != nil {
		return false, err
	}
	aj, err := c.register(req.JobID)
	if err != nil {
		return false, err
	}
	return c.execute(ctx, req, adapter, aj)
}

// Submit starts the job in the background. A future ScheduledAt arms a
// one-shot timer instead; the job stays pending and counts as active until
// the timer fires or Stop cancels it.
func (c *Controller) Submit(ctx context.Context, req StartRequest) error {
	adapter, err := c.prepare(ctx, req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, ok := c.active[req.JobID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", broadcast.ErrJobActive, req.JobID)
	}
	aj := newActive(req.JobID)
	c.active[req.JobID] = aj
	launch := func() {
		c.sup.Go("job/"+req.JobID, func(ctx context.Context) error {
			_, err := c.execute(ctx, req, adapter, aj)
			return err
		})
	}
	if req.ScheduledAt != nil {
		if d := req.ScheduledAt.Sub(c.now()); d > 0 {
			aj.timer = time.AfterFunc(d, launch)
			c.mu.Unlock()
			c.metrics.SetActiveJobs(c.count())
			c.log.Info("job scheduled", logx.String("job", req.JobID), logx.Time("at", *req.ScheduledAt))
			return nil
		}
	}
	c.mu.Unlock()
	c.metrics.SetActiveJobs(c.count())
	launch()
	return nil
}

// Stop requests a cooperative stop of an active job and marks it paused.
// It returns false, without touching the store, when the job is not active.
// An in-flight send finishes; the pipeline halts at its next check.
func (c *Controller) Stop(ctx context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	aj, ok := c.active[jobID]
	if ok && aj.timer != nil && aj.timer.Stop() {
		// The run never starts, so nobody else closes done.
		close(aj.done)
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	aj.stop.Stop()
	c.unregister(aj)

	if !aj.claim() {
		return true, nil
	}
	err := c.writeTerminal(ctx, jobID, broadcast.StatusPaused, "broadcast stopped by user")
	c.log.Info("broadcast stopped by user", logx.String("job", jobID))
	return true, err
}

// Active lists the ids of live jobs, sorted.
func (c *Controller) Active() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Shutdown stops every active job and waits for their runs to return.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	live := make([]*activeJob, 0, len(c.active))
	for _, aj := range c.active {
		live = append(live, aj)
	}
	c.mu.Unlock()

	var errs []error
	for _, aj := range live {
		if _, err := c.Stop(ctx, aj.id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, aj := range live {
		select {
		case <-aj.done:
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}

// prepare validates the request without writing anything.
func (c *Controller) prepare(ctx context.Context, req StartRequest) (platform.Adapter, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return nil, fmt.Errorf("%w: empty job id", broadcast.ErrInvalidConfiguration)
	}
	adapter, err := c.adapters.Lookup(req.Platform)
	if err != nil {
		return nil, err
	}
	job, err := c.store.FindJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", broadcast.ErrJobTerminal, req.JobID, job.Status)
	}
	return adapter, nil
}

func newActive(id string) *activeJob {
	return &activeJob{id: id, stop: broadcast.NewStopToken(), done: make(chan struct{})}
}

func (c *Controller) register(id string) (*activeJob, error) {
	c.mu.Lock()
	if _, ok := c.active[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", broadcast.ErrJobActive, id)
	}
	aj := newActive(id)
	c.active[id] = aj
	c.mu.Unlock()
	c.metrics.SetActiveJobs(c.count())
	return aj, nil
}

// unregister removes aj from the active set. Only the first call has effect.
func (c *Controller) unregister(aj *activeJob) {
	aj.once.Do(func() {
		c.mu.Lock()
		if c.active[aj.id] == aj {
			delete(c.active, aj.id)
		}
		n := len(c.active)
		c.mu.Unlock()
		c.metrics.SetActiveJobs(n)
	})
}

func (c *Controller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Controller) execute(ctx context.Context, req StartRequest, adapter platform.Adapter, aj *activeJob) (bool, error) {
	defer close(aj.done)
	defer c.unregister(aj)
	if aj.stop.Stopped() {
		return false, nil
	}

	log := c.log.With(logx.String("job", req.JobID), logx.String("account", req.AccountID),
		logx.String("platform", string(req.Platform)))
	started := c.now()
	running := broadcast.StatusRunning
	total, zero := len(req.Recipients), 0
	err := c.store.UpdateJob(ctx, req.JobID, broadcast.JobUpdate{
		Status:     &running,
		StartedAt:  &started,
		Total:      &total,
		Successful: &zero,
		Failed:     &zero,
		Logs:       []string{broadcast.LogLine(started, "broadcast started")},
	})
	if errors.Is(err, broadcast.ErrJobTerminal) {
		// Stopped between registration and the running write.
		return false, nil
	}
	if err != nil {
		err = fmt.Errorf("mark running: %w", err)
		log.Error("broadcast failed", logx.Err(err))
		if aj.claim() {
			if werr := c.writeTerminal(ctx, req.JobID, broadcast.StatusFailed, "error: "+err.Error()); werr != nil {
				log.Error("terminal write failed", logx.Err(werr))
			}
		}
		return false, err
	}
	log.Info("broadcast started", logx.Int("recipients", total))
	c.metrics.JobStarted(string(req.Platform))
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Time: started, Data: eventbus.JobStarted{
		JobID: req.JobID, AccountID: req.AccountID, Platform: string(req.Platform), Total: total,
	}})

	rep := &reporter{store: c.store, jobID: req.JobID, log: log, now: c.now}
	res, err := c.dispatch(ctx, req, adapter, aj, rep, log)

	var (
		status broadcast.Status
		msg    string
	)
	switch {
	case errors.Is(err, broadcast.ErrStopped) || (err == nil && res.Stopped):
		status, msg = broadcast.StatusPaused, "broadcast stopped by user"
	case err != nil:
		status, msg = broadcast.StatusFailed, "error: "+err.Error()
		log.Error("broadcast failed", logx.Err(err))
	case res.OK():
		status = broadcast.StatusCompleted
	default:
		status = broadcast.StatusFailed
	}
	if msg == "" {
		msg = "broadcast finished with status: " + string(status)
	}

	if aj.claim() {
		if werr := c.writeTerminal(ctx, req.JobID, status, msg); werr != nil {
			log.Error("terminal write failed", logx.Err(werr))
		}
		log.Info(msg, logx.Int("successful", res.Successful), logx.Int("failed", res.Failed))
	} else {
		// Stop already wrote paused.
		status = broadcast.StatusPaused
	}

	ev := eventbus.JobFinished{
		JobID: req.JobID, AccountID: req.AccountID, Platform: string(req.Platform),
		Status: string(status), Successful: res.Successful, Failed: res.Failed, Total: total,
		Duration: c.now().Sub(started),
	}
	if err != nil && !errors.Is(err, broadcast.ErrStopped) {
		ev.Err = err.Error()
	}
	c.metrics.JobFinished(string(req.Platform), string(status))
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Time: c.now(), Data: ev})
	return res.OK() && status == broadcast.StatusCompleted, nil
}

// dispatch acquires the session and account lock and runs the send loop.
// A panic anywhere below is returned as an error.
func (c *Controller) dispatch(ctx context.Context, req StartRequest, adapter platform.Adapter, aj *activeJob, rep dispatch.Reporter, log logx.Logger) (res dispatch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("broadcast panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	sess, err := c.sessions.Acquire(ctx, req.AccountID, req.Platform)
	if err != nil {
		return res, err
	}
	unlock, err := c.sessions.Lock(ctx, req.AccountID, aj.stop)
	if err != nil {
		return res, err
	}
	defer unlock()

	return c.pipeline.Run(ctx, dispatch.Run{
		JobID:      req.JobID,
		AccountID:  req.AccountID,
		Adapter:    adapter,
		Driver:     sess.Driver,
		Recipients: req.Recipients,
		Templates:  req.Templates,
		Mode:       req.Mode,
		Stop:       aj.stop,
		Reporter:   rep,
	})
}

// writeTerminal stamps status and completion time, then appends the final log
// line. It survives cancellation of ctx.
func (c *Controller) writeTerminal(ctx context.Context, jobID string, status broadcast.Status, msg string) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	now := c.now()
	if err := c.store.UpdateJob(wctx, jobID, broadcast.Terminate(status, now)); err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	return c.store.AppendJobLog(wctx, jobID, broadcast.LogLine(now, msg))
}
