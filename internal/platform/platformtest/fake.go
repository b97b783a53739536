// Package platformtest provides a scripted platform.Adapter for tests of the
// layers above the browser.
package platformtest

import (
	"context"
	"sync"

	"sender/internal/broadcast"
	"sender/internal/browser"
	"sender/internal/platform"
)

// Delivery is one submitted message.
type Delivery struct {
	Contact string
	Body    string
}

// Adapter fakes a platform without touching the driver.
type Adapter struct {
	Name   broadcast.Platform
	Pacing platform.Timing

	// Authenticated is returned by ProbeAuthenticated; ProbeErr fails it.
	Authenticated bool
	ProbeErr      error

	mu          sync.Mutex
	failures    map[string]error
	closeErrs   map[string]error
	unconfirmed map[string]bool
	deliveries  []Delivery
	probes      int

	// OnSend runs after a message is submitted, before ConfirmDelivery.
	OnSend func(d Delivery)
	// OnOpen runs at the start of OpenConversation.
	OnOpen func(contact string)
}

func New(p broadcast.Platform) *Adapter {
	return &Adapter{
		Name:          p,
		Authenticated: true,
		failures:      map[string]error{},
		closeErrs:     map[string]error{},
		unconfirmed:   map[string]bool{},
	}
}

// FailOn makes OpenConversation for contact return err.
func (a *Adapter) FailOn(contact string, err error) *Adapter {
	a.mu.Lock()
	a.failures[contact] = err
	a.mu.Unlock()
	return a
}

// CloseFails makes Conversation.Close for contact return err.
func (a *Adapter) CloseFails(contact string, err error) *Adapter {
	a.mu.Lock()
	a.closeErrs[contact] = err
	a.mu.Unlock()
	return a
}

// Unconfirmed makes ConfirmDelivery report false for contact.
func (a *Adapter) Unconfirmed(contact string) *Adapter {
	a.mu.Lock()
	a.unconfirmed[contact] = true
	a.mu.Unlock()
	return a
}

func (a *Adapter) Deliveries() []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Delivery(nil), a.deliveries...)
}

func (a *Adapter) Probes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probes
}

func (a *Adapter) Platform() broadcast.Platform { return a.Name }
func (a *Adapter) Timing() platform.Timing      { return a.Pacing }

func (a *Adapter) ProbeAuthenticated(ctx context.Context, drv browser.Driver) (bool, error) {
	a.mu.Lock()
	a.probes++
	a.mu.Unlock()
	if a.ProbeErr != nil {
		return false, a.ProbeErr
	}
	return a.Authenticated, nil
}

func (a *Adapter) OpenConversation(ctx context.Context, drv browser.Driver, contact string) (platform.Conversation, error) {
	if a.OnOpen != nil {
		a.OnOpen(contact)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	err := a.failures[contact]
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &conversation{a: a, contact: contact}, nil
}

type conversation struct {
	a       *Adapter
	contact string
}

func (c *conversation) TypeAndSend(ctx context.Context, body string, stop *broadcast.StopToken) (bool, error) {
	if stop.Stopped() {
		return false, nil
	}
	d := Delivery{Contact: c.contact, Body: body}
	c.a.mu.Lock()
	c.a.deliveries = append(c.a.deliveries, d)
	c.a.mu.Unlock()
	if c.a.OnSend != nil {
		c.a.OnSend(d)
	}
	return true, nil
}

func (c *conversation) ConfirmDelivery(ctx context.Context) bool {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	return !c.a.unconfirmed[c.contact]
}

func (c *conversation) Close(context.Context) error {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	return c.a.closeErrs[c.contact]
}
