// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sender/internal/browser"
)

// Driver is a scripted browser.Driver. A selector "matches" when it (or any
// part of a comma-separated list) is in the present set. Waits never sleep:
// a missing selector fails immediately with browser.ErrTimeout.
type Driver struct {
	mu      sync.Mutex
	present map[string]bool
	fail    map[string]error
	calls   []string
	url     string
	tabs    map[browser.TabID]bool
	current browser.TabID
	nextTab int
	closed  bool

	// OnNavigate runs after every navigation, without the lock held.
	OnNavigate func(d *Driver, url string)
	// OnKeys runs after every SendKeys, without the lock held.
	OnKeys func(d *Driver, text string)
}

func New(present ...string) *Driver {
	d := &Driver{
		present: map[string]bool{},
		fail:    map[string]error{},
		tabs:    map[browser.TabID]bool{"main": true},
		current: "main",
	}
	for _, s := range present {
		d.present[s] = true
	}
	return d
}

// Show marks selectors as present.
func (d *Driver) Show(selectors ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range selectors {
		d.present[s] = true
	}
}

// Hide marks selectors as absent.
func (d *Driver) Hide(selectors ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range selectors {
		delete(d.present, s)
	}
}

// Fail makes op return err. Ops: navigate, wait, find, exists, keys, key,
// clear, click, script, url, opentab, closetab, switchtab.
func (d *Driver) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, op)
		return
	}
	d.fail[op] = err
}

// SetURL overrides the URL reported by CurrentURL.
func (d *Driver) SetURL(u string) {
	d.mu.Lock()
	d.url = u
	d.mu.Unlock()
}

// Calls returns the recorded operations, e.g. "navigate https://...", "keys hi".
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Count returns how many recorded calls start with prefix.
func (d *Driver) Count(prefix string) int {
	n := 0
	for _, c := range d.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// OpenTabs returns the number of open tabs, the main tab included.
func (d *Driver) OpenTabs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tabs)
}

func (d *Driver) record(op, call string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if d.closed {
		return browser.ErrClosed
	}
	return d.fail[op]
}

func (d *Driver) matches(selector string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, part := range strings.Split(selector, ",") {
		if d.present[strings.TrimSpace(part)] {
			return true
		}
	}
	return d.present[selector]
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.record("navigate", "navigate "+url); err != nil {
		return err
	}
	d.mu.Lock()
	d.url = url
	hook := d.OnNavigate
	d.mu.Unlock()
	if hook != nil {
		hook(d, url)
	}
	return nil
}

func (d *Driver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.record("wait", "wait "+selector); err != nil {
		return err
	}
	if !d.matches(selector) {
		return browser.ErrTimeout
	}
	return nil
}

func (d *Driver) FindElement(ctx context.Context, selector string) (browser.Element, error) {
	if err := d.record("find", "find "+selector); err != nil {
		return browser.Element{}, err
	}
	if !d.matches(selector) {
		return browser.Element{}, fmt.Errorf("%w: %s", browser.ErrNoElement, selector)
	}
	return browser.Element{Selector: selector}, nil
}

func (d *Driver) Exists(ctx context.Context, selector string) (bool, error) {
	if err := d.record("exists", "exists "+selector); err != nil {
		return false, err
	}
	return d.matches(selector), nil
}

func (d *Driver) SendKeys(ctx context.Context, el browser.Element, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.record("keys", "keys "+text); err != nil {
		return err
	}
	d.mu.Lock()
	hook := d.OnKeys
	d.mu.Unlock()
	if hook != nil {
		hook(d, text)
	}
	return nil
}

func (d *Driver) PressKey(ctx context.Context, el browser.Element, key browser.Key) error {
	return d.record("key", "key "+key.String())
}

func (d *Driver) Clear(ctx context.Context, el browser.Element) error {
	return d.record("clear", "clear "+el.Selector)
}

func (d *Driver) Click(ctx context.Context, el browser.Element) error {
	return d.record("click", "click "+el.Selector)
}

func (d *Driver) ExecuteScript(ctx context.Context, js string) error {
	return d.record("script", "script")
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	if err := d.record("url", "url"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

func (d *Driver) OpenTab(ctx context.Context) (browser.TabID, error) {
	if err := d.record("opentab", "opentab"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTab++
	id := browser.TabID(fmt.Sprintf("tab-%d", d.nextTab))
	d.tabs[id] = true
	return id, nil
}

func (d *Driver) CloseTab(ctx context.Context, id browser.TabID) error {
	if err := d.record("closetab", "closetab "+string(id)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tabs[id] {
		return browser.ErrNoTab
	}
	delete(d.tabs, id)
	if d.current == id {
		d.current = "main"
	}
	return nil
}

func (d *Driver) SwitchTab(ctx context.Context, id browser.TabID) error {
	if err := d.record("switchtab", "switchtab "+string(id)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tabs[id] {
		return browser.ErrNoTab
	}
	d.current = id
	return nil
}

func (d *Driver) CurrentTab() browser.TabID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Launcher hands out fake drivers and counts launches.
type Launcher struct {
	mu       sync.Mutex
	launches int
	opts     []browser.Options
	drivers  []*Driver

	// New builds each driver; defaults to New().
	New func(opt browser.Options) *Driver
	// Err, when set, fails every launch.
	Err error
	// Delay is slept before returning; it lets tests race concurrent launches.
	Delay time.Duration
}

func (l *Launcher) Launch(ctx context.Context, opt browser.Options) (browser.Driver, error) {
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.opts = append(l.opts, opt)
	if l.Err != nil {
		return nil, l.Err
	}
	var d *Driver
	if l.New != nil {
		d = l.New(opt)
	} else {
		d = New()
	}
	l.drivers = append(l.drivers, d)
	return d, nil
}

func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *Launcher) Options() []browser.Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.Options(nil), l.opts...)
}

func (l *Launcher) Drivers() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Driver(nil), l.drivers...)
}
