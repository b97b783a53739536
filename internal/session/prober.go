package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sender/internal/broadcast"
	logx "sender/pkg/logx"
)

// ProbeReport summarizes one probe pass.
type ProbeReport struct {
	Probed          int
	Unauthenticated []string
	Skipped         []string
	Errors          int
}

// Prober periodically re-checks the authentication state of idle sessions,
// so an expired login shows up in diagnostics before the next job fails on it.
type Prober struct {
	m       *Manager
	log     logx.Logger
	spec    string
	timeout time.Duration
	parser  cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

// NewProber builds a prober for a cron spec such as "@every 10m" or
// "*/15 * * * *". An empty spec disables it.
func NewProber(m *Manager, spec string, timeout time.Duration, log logx.Logger) *Prober {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		m:       m,
		log:     log.With(logx.String("comp", "prober")),
		spec:    strings.TrimSpace(spec),
		timeout: timeout,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate parses the schedule without starting anything.
func (p *Prober) Validate() error {
	if p.spec == "" {
		return nil
	}
	_, err := p.parser.Parse(p.spec)
	return err
}

func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil || p.spec == "" {
		return nil
	}
	c := cron.New(
		cron.WithParser(p.parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(p.spec, func() { p.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	p.c = c
	p.log.Info("session prober started", logx.String("schedule", p.spec))
	return nil
}

func (p *Prober) Stop() {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce probes every idle session. Sessions busy with a job are skipped.
func (p *Prober) RunOnce(ctx context.Context) ProbeReport {
	var rep ProbeReport
	for _, info := range p.m.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if info.Busy {
			rep.Skipped = append(rep.Skipped, info.AccountID)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		ok, err := p.m.Probe(pctx, info.AccountID)
		cancel()
		switch {
		case errors.Is(err, broadcast.ErrAccountBusy):
			rep.Skipped = append(rep.Skipped, info.AccountID)
			continue
		case err != nil:
			rep.Errors++
			p.log.Warn("session probe failed", logx.String("account", info.AccountID), logx.Err(err))
			continue
		}
		rep.Probed++
		if !ok {
			rep.Unauthenticated = append(rep.Unauthenticated, info.AccountID)
			p.log.Warn("session not authenticated", logx.String("account", info.AccountID),
				logx.String("platform", string(info.Platform)))
		}
	}
	p.log.Debug("probe pass done", logx.Int("probed", rep.Probed),
		logx.Int("skipped", len(rep.Skipped)), logx.Int("errors", rep.Errors))
	return rep
}
