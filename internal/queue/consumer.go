// Package queue consumes broadcast start/stop commands from an AMQP queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streadway/amqp"

	"sender/internal/broadcast"
	"sender/internal/jobs"
	logx "sender/pkg/logx"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Command is one queue message. Start commands carry a full StartRequest
// inline, e.g. {"action":"start","job_id":"j1","account_id":"a",...}.
type Command struct {
	Action string `json:"action"`
	jobs.StartRequest
}

type Jobs interface {
	Submit(ctx context.Context, req jobs.StartRequest) error
	Stop(ctx context.Context, jobID string) (bool, error)
}

type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

// ErrMalformed marks a message that can never be handled.
var ErrMalformed = errors.New("malformed command")

type Consumer struct {
	cfg  Config
	jobs Jobs
	log  logx.Logger
	dial func(url string) (*amqp.Connection, error)
}

func NewConsumer(cfg Config, j Jobs, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	return &Consumer{cfg: cfg, jobs: j, log: log.With(logx.String("comp", "amqp")), dial: amqp.Dial}
}

// Run consumes until ctx is done. A lost connection returns an error so the
// supervisor restarts it with backoff.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp declare %s: %w", c.cfg.Queue, err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", q.Name, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("amqp consumer started", logx.String("queue", q.Name), logx.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("amqp consumer stopped")
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handleDelivery(ctx, d.Body, d.Redelivered, d)
		}
	}
}

type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// handleDelivery acks handled and rejected commands, drops malformed ones and
// requeues a transient failure once.
func (c *Consumer) handleDelivery(ctx context.Context, body []byte, redelivered bool, d acker) {
	err := c.Handle(ctx, body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrMalformed):
		c.log.Warn("amqp command dropped", logx.Err(err))
		_ = d.Nack(false, false)
	case rejected(err):
		c.log.Info("amqp command rejected", logx.Err(err))
		_ = d.Ack(false)
	default:
		c.log.Warn("amqp command failed", logx.Err(err), logx.Bool("redelivered", redelivered))
		_ = d.Nack(false, !redelivered)
	}
}

func rejected(err error) bool {
	for _, target := range []error{
		broadcast.ErrJobNotFound,
		broadcast.ErrJobActive,
		broadcast.ErrJobTerminal,
		broadcast.ErrUnsupportedPlatform,
		broadcast.ErrInvalidConfiguration,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Handle decodes and executes one command.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cmd.JobID = strings.TrimSpace(cmd.JobID)
	if cmd.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrMalformed)
	}

	switch strings.ToLower(strings.TrimSpace(cmd.Action)) {
	case ActionStart:
		req := cmd.StartRequest
		req.Platform = broadcast.ParsePlatform(string(req.Platform))
		if err := c.jobs.Submit(context.WithoutCancel(ctx), req); err != nil {
			return err
		}
		c.log.Info("job submitted from queue", logx.String("job", req.JobID))
		return nil
	case ActionStop:
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		stopped, err := c.jobs.Stop(sctx, cmd.JobID)
		if err != nil {
			return err
		}
		c.log.Info("stop from queue", logx.String("job", cmd.JobID), logx.Bool("stopped", stopped))
		return nil
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformed, cmd.Action)
	}
}
