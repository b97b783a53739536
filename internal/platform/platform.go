// Package platform holds the per-platform UI automation strategies.
//
// An Adapter knows one web client: how to tell whether the account is logged
// in, how to open a chat with a contact, and what the client's pacing bounds
// are. Everything it does goes through a browser.Driver owned by the session
// manager; adapters keep no per-account state.
package platform

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"sender/internal/broadcast"
	"sender/internal/browser"
)

// Range is an inclusive duration interval used for randomized pauses.
type Range struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Pick returns a uniformly random duration in [Min, Max].
func (r Range) Pick() time.Duration {
	if r.Max <= r.Min {
		return max(r.Min, 0)
	}
	return r.Min + time.Duration(rand.Int64N(int64(r.Max-r.Min)+1))
}

// Timing is a platform's pacing contract.
type Timing struct {
	// LineDelay separates typed lines of one message.
	LineDelay Range
	// Pacing separates consecutive recipients.
	Pacing Range

	ProbeTimeout   time.Duration
	OpenTimeout    time.Duration
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration

	// Settle is a fixed pause after the chat loads, before typing starts.
	Settle time.Duration
}

// Adapter is one platform's automation strategy.
type Adapter interface {
	Platform() broadcast.Platform
	Timing() Timing
	// ProbeAuthenticated loads the landing page and reports whether the
	// account is logged in. A probe timeout is reported as (false, nil).
	ProbeAuthenticated(ctx context.Context, drv browser.Driver) (bool, error)
	// OpenConversation navigates to contact's chat and waits for the input.
	OpenConversation(ctx context.Context, drv browser.Driver, contact string) (Conversation, error)
}

// Conversation is an open chat, valid until Close.
type Conversation interface {
	// TypeAndSend types body line by line and submits it. It returns
	// sent=false with a nil error when stop fired before submission.
	TypeAndSend(ctx context.Context, body string, stop *broadcast.StopToken) (sent bool, err error)
	// ConfirmDelivery waits for a delivery or read marker.
	ConfirmDelivery(ctx context.Context) bool
	Close(ctx context.Context) error
}

// Outcome is the result of one Send.
type Outcome struct {
	Sent      bool
	Confirmed bool
	// CloseErr is a failed Close after an otherwise clean send. The message
	// still counts; the caller decides how loudly to report the cleanup.
	CloseErr error
}

// Send runs the full open/type/submit/confirm sequence for one recipient.
// The conversation is closed on every path.
func Send(ctx context.Context, a Adapter, drv browser.Driver, contact, body string, stop *broadcast.StopToken) (out Outcome, err error) {
	conv, err := a.OpenConversation(ctx, drv, contact)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		// Closing must survive a cancelled caller; the tab would leak otherwise.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		cerr := conv.Close(cctx)
		switch {
		case cerr == nil:
		case err != nil:
			err = errors.Join(err, fmt.Errorf("close conversation: %w", cerr))
		default:
			out.CloseErr = fmt.Errorf("close conversation: %w", cerr)
		}
	}()

	sent, err := conv.TypeAndSend(ctx, body, stop)
	if err != nil || !sent {
		return Outcome{}, err
	}
	out.Sent = true
	out.Confirmed = conv.ConfirmDelivery(ctx)
	return out, nil
}

// Registry maps platforms to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[broadcast.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[broadcast.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Platform().
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Platform()] = a
	r.mu.Unlock()
}

// Lookup returns the adapter for p or ErrUnsupportedPlatform.
func (r *Registry) Lookup(p broadcast.Platform) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[p]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", broadcast.ErrUnsupportedPlatform, string(p))
	}
	return a, nil
}

func (r *Registry) Platforms() []broadcast.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]broadcast.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sleep pauses for d. It returns early with false when stop fires, and with
// ctx.Err() when ctx is done.
func sleep(ctx context.Context, d time.Duration, stop *broadcast.StopToken) (bool, error) {
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

// typeLines types body one line at a time, each followed by a soft newline,
// then removes the trailing soft newline. It checks stop before every line.
func typeLines(ctx context.Context, drv browser.Driver, input browser.Element, body string, delay Range, stop *broadcast.StopToken) (bool, error) {
	for _, line := range strings.Split(body, "\n") {
		if stop.Stopped() {
			return false, nil
		}
		if line != "" {
			if err := drv.SendKeys(ctx, input, line); err != nil {
				return false, fmt.Errorf("type line: %w", err)
			}
		}
		if err := drv.PressKey(ctx, input, browser.KeySoftNewline); err != nil {
			return false, fmt.Errorf("soft newline: %w", err)
		}
		// The pause itself is not a stop point; the next iteration checks.
		if _, err := sleep(ctx, delay.Pick(), nil); err != nil {
			return false, err
		}
	}
	if err := drv.PressKey(ctx, input, browser.KeyBackspace); err != nil {
		return false, fmt.Errorf("trim newline: %w", err)
	}
	return true, nil
}

// waitAny waits for selector, mapping a timeout to (false, nil).
func waitAny(ctx context.Context, drv browser.Driver, selector string, timeout time.Duration) (bool, error) {
	err := drv.WaitFor(ctx, selector, timeout)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, browser.ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}
