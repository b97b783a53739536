package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sender/internal/broadcast"
	"sender/internal/browser"
)

const (
	tgLanding    = "https://web.telegram.org/k/"
	tgChatURL    = "https://web.telegram.org/k/#@"
	tgAuthorized = ".chat-list, .input-search"
	tgInput      = "div.input-message-input"
	tgChatInfo   = "div.chat-info"
	tgSendButton = "button.btn-icon.send"
	tgDelivered  = "div.bubble:last-child .message-date"
)

func DefaultTelegramTiming() Timing {
	return Timing{
		LineDelay:      Range{Min: 50 * time.Millisecond, Max: 100 * time.Millisecond},
		Pacing:         Range{Min: 2 * time.Second, Max: 5 * time.Second},
		ProbeTimeout:   10 * time.Second,
		OpenTimeout:    30 * time.Second,
		SubmitTimeout:  5 * time.Second,
		ConfirmTimeout: 5 * time.Second,
		Settle:         time.Second,
	}
}

// Telegram drives Telegram Web K. Every conversation gets its own tab, which
// Close shuts before switching back to the tab that was current on open.
type Telegram struct {
	timing Timing
	// inputPause separates focusing, clearing and typing.
	inputPause time.Duration
}

func NewTelegram(t Timing) *Telegram {
	return &Telegram{timing: t, inputPause: 250 * time.Millisecond}
}

func (t *Telegram) Platform() broadcast.Platform { return broadcast.Telegram }
func (t *Telegram) Timing() Timing               { return t.timing }

func (t *Telegram) ProbeAuthenticated(ctx context.Context, drv browser.Driver) (bool, error) {
	if err := drv.Navigate(ctx, tgLanding); err != nil {
		return false, err
	}
	return waitAny(ctx, drv, tgAuthorized, t.timing.ProbeTimeout)
}

func (t *Telegram) OpenConversation(ctx context.Context, drv browser.Driver, contact string) (conv Conversation, err error) {
	username := strings.TrimPrefix(strings.TrimSpace(contact), "@")
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", broadcast.ErrConversationNotFound)
	}

	origin := drv.CurrentTab()
	tab, err := drv.OpenTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	c := &tgConversation{drv: drv, tab: tab, origin: origin, t: t}
	defer func() {
		if err != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if cerr := c.Close(cctx); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}()
	if err := drv.SwitchTab(ctx, tab); err != nil {
		return nil, fmt.Errorf("switch tab: %w", err)
	}
	if err := drv.Navigate(ctx, tgChatURL+username); err != nil {
		return nil, err
	}

	ready, err := waitAny(ctx, drv, tgInput, t.timing.OpenTimeout)
	if err != nil {
		return nil, err
	}
	if ready {
		ready, err = waitAny(ctx, drv, tgChatInfo, t.timing.ProbeTimeout)
		if err != nil {
			return nil, err
		}
	}
	if !ready {
		u, uerr := drv.CurrentURL(ctx)
		if uerr == nil && strings.Contains(u, "login") {
			return nil, fmt.Errorf("%w: redirected to login", broadcast.ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("%w: chat with %s did not load", broadcast.ErrConversationNotFound, username)
	}

	if _, err := sleep(ctx, t.timing.Settle, nil); err != nil {
		return nil, err
	}
	return c, nil
}

type tgConversation struct {
	drv    browser.Driver
	tab    browser.TabID
	origin browser.TabID
	t      *Telegram
	closed bool
}

func (c *tgConversation) TypeAndSend(ctx context.Context, body string, stop *broadcast.StopToken) (bool, error) {
	input, err := c.drv.FindElement(ctx, tgInput)
	if err != nil {
		return false, fmt.Errorf("%w: %v", broadcast.ErrConversationNotFound, err)
	}
	if err := c.drv.Click(ctx, input); err != nil {
		return false, fmt.Errorf("focus input: %w", err)
	}
	if _, err := sleep(ctx, c.t.inputPause, nil); err != nil {
		return false, err
	}
	if err := c.drv.Clear(ctx, input); err != nil {
		return false, fmt.Errorf("clear input: %w", err)
	}
	if _, err := sleep(ctx, c.t.inputPause, nil); err != nil {
		return false, err
	}

	typed, err := typeLines(ctx, c.drv, input, body, c.t.timing.LineDelay, stop)
	if err != nil || !typed {
		return false, err
	}
	if err := c.drv.WaitFor(ctx, tgSendButton, c.t.timing.SubmitTimeout); err != nil {
		return false, fmt.Errorf("send button: %w", err)
	}
	btn, err := c.drv.FindElement(ctx, tgSendButton)
	if err != nil {
		return false, fmt.Errorf("send button: %w", err)
	}
	if err := c.drv.Click(ctx, btn); err != nil {
		return false, fmt.Errorf("submit: %w", err)
	}
	return true, nil
}

func (c *tgConversation) ConfirmDelivery(ctx context.Context) bool {
	ok, _ := waitAny(ctx, c.drv, tgDelivered, c.t.timing.ConfirmTimeout)
	return ok
}

// Close shuts the conversation tab and restores the original one. Both steps
// are attempted even if the first fails.
func (c *tgConversation) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if err := c.drv.CloseTab(ctx, c.tab); err != nil {
		errs = append(errs, fmt.Errorf("close tab: %w", err))
	}
	if err := c.drv.SwitchTab(ctx, c.origin); err != nil {
		errs = append(errs, fmt.Errorf("restore tab: %w", err))
	}
	return errors.Join(errs...)
}
