package platform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sender/internal/broadcast"
	"sender/internal/browser"
)

const (
	waLanding    = "https://web.whatsapp.com"
	waSendURL    = "https://web.whatsapp.com/send?phone="
	waQRCode     = "div[data-testid='qrcode']"
	waChatList   = "div#pane-side"
	waInput      = "div[contenteditable='true'][data-tab='10']"
	waSendButton = "button[aria-label='Send'], span[data-icon='send']"
	waDelivered  = "span[data-icon='msg-dblcheck'], span[aria-label='Read'], span[data-testid='msg-time']"
)

func DefaultWhatsAppTiming() Timing {
	return Timing{
		LineDelay:      Range{Min: 100 * time.Millisecond, Max: 300 * time.Millisecond},
		Pacing:         Range{Min: 3 * time.Second, Max: 7 * time.Second},
		ProbeTimeout:   10 * time.Second,
		OpenTimeout:    30 * time.Second,
		SubmitTimeout:  15 * time.Second,
		ConfirmTimeout: 15 * time.Second,
	}
}

// WhatsApp drives WhatsApp Web. Conversations are opened in the session's
// current tab through the click-to-chat deep link.
type WhatsApp struct {
	timing Timing
}

func NewWhatsApp(t Timing) *WhatsApp { return &WhatsApp{timing: t} }

func (w *WhatsApp) Platform() broadcast.Platform { return broadcast.WhatsApp }
func (w *WhatsApp) Timing() Timing               { return w.timing }

func (w *WhatsApp) ProbeAuthenticated(ctx context.Context, drv browser.Driver) (bool, error) {
	if err := drv.Navigate(ctx, waLanding); err != nil {
		return false, err
	}
	ok, err := waitAny(ctx, drv, waChatList+", "+waQRCode, w.timing.ProbeTimeout)
	if err != nil || !ok {
		return false, err
	}
	qr, err := drv.Exists(ctx, waQRCode)
	if err != nil {
		return false, err
	}
	return !qr, nil
}

func (w *WhatsApp) OpenConversation(ctx context.Context, drv browser.Driver, contact string) (Conversation, error) {
	phone := digits(contact)
	if phone == "" {
		return nil, fmt.Errorf("%w: %q is not a phone number", broadcast.ErrConversationNotFound, contact)
	}
	if err := drv.Navigate(ctx, waSendURL+phone); err != nil {
		return nil, err
	}
	// Either the chat input or the QR challenge shows up, whichever is first.
	ready, err := waitAny(ctx, drv, waInput+", "+waQRCode, w.timing.OpenTimeout)
	if err != nil {
		return nil, err
	}
	qr, err := drv.Exists(ctx, waQRCode)
	if err != nil {
		return nil, err
	}
	if qr {
		return nil, fmt.Errorf("%w: QR code shown", broadcast.ErrNotAuthenticated)
	}
	if !ready {
		return nil, fmt.Errorf("%w: chat input did not appear for %s", broadcast.ErrConversationNotFound, phone)
	}
	input, err := drv.FindElement(ctx, waInput)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broadcast.ErrConversationNotFound, err)
	}
	return &waConversation{drv: drv, input: input, timing: w.timing}, nil
}

type waConversation struct {
	drv    browser.Driver
	input  browser.Element
	timing Timing
}

func (c *waConversation) TypeAndSend(ctx context.Context, body string, stop *broadcast.StopToken) (bool, error) {
	if err := c.drv.Clear(ctx, c.input); err != nil {
		return false, fmt.Errorf("clear input: %w", err)
	}
	typed, err := typeLines(ctx, c.drv, c.input, body, c.timing.LineDelay, stop)
	if err != nil || !typed {
		return false, err
	}
	if err := c.drv.WaitFor(ctx, waSendButton, c.timing.SubmitTimeout); err != nil {
		return false, fmt.Errorf("send button: %w", err)
	}
	btn, err := c.drv.FindElement(ctx, waSendButton)
	if err != nil {
		return false, fmt.Errorf("send button: %w", err)
	}
	if err := c.drv.Click(ctx, btn); err != nil {
		return false, fmt.Errorf("submit: %w", err)
	}
	return true, nil
}

func (c *waConversation) ConfirmDelivery(ctx context.Context) bool {
	ok, _ := waitAny(ctx, c.drv, waDelivered, c.timing.ConfirmTimeout)
	return ok
}

// Close is a no-op: the chat lives in the session's main tab.
func (c *waConversation) Close(context.Context) error { return nil }

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
