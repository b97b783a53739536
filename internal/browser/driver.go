// Package browser is the capability layer between platform adapters and a real
// browser. Adapters only see Driver; the concrete implementation (chromedp)
// lives in chrome.go and is created by a Launcher.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("browser: wait timed out")
	// ErrNoElement is returned when a selector matches nothing.
	ErrNoElement = errors.New("browser: element not found")
	// ErrNoTab is returned when switching to or closing an unknown tab.
	ErrNoTab = errors.New("browser: unknown tab")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("browser: closed")
)

// Key is a non-printable keystroke.
type Key int

const (
	// KeySoftNewline inserts a line break without submitting (Shift+Enter).
	KeySoftNewline Key = iota + 1
	KeyBackspace
	KeyEnter
)

func (k Key) String() string {
	switch k {
	case KeySoftNewline:
		return "shift+enter"
	case KeyBackspace:
		return "backspace"
	case KeyEnter:
		return "enter"
	default:
		return "unknown"
	}
}

// Element is a resolved handle to a DOM node, addressed by CSS selector.
type Element struct {
	Selector string
}

// TabID identifies a browser tab owned by a Driver.
type TabID string

// Driver is the automation capability set adapters depend on. A Driver is
// used by one goroutine at a time; the session manager's account lock
// guarantees that.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// WaitFor blocks until selector matches a node or timeout expires (ErrTimeout).
	// A comma-separated selector list waits for any of them.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	FindElement(ctx context.Context, selector string) (Element, error)
	// Exists reports whether selector matches now, without waiting.
	Exists(ctx context.Context, selector string) (bool, error)
	SendKeys(ctx context.Context, el Element, text string) error
	PressKey(ctx context.Context, el Element, key Key) error
	Clear(ctx context.Context, el Element) error
	Click(ctx context.Context, el Element) error
	ExecuteScript(ctx context.Context, js string) error
	CurrentURL(ctx context.Context) (string, error)

	OpenTab(ctx context.Context) (TabID, error)
	CloseTab(ctx context.Context, id TabID) error
	SwitchTab(ctx context.Context, id TabID) error
	CurrentTab() TabID

	Close() error
}

// Options is the fixed, platform-agnostic browser profile.
type Options struct {
	ProfileDir string
	UserAgent  string
	Width      int
	Height     int
	Headless   bool
	NoSandbox  bool
	ExecPath   string
}

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Width <= 0 {
		o.Width = 1920
	}
	if o.Height <= 0 {
		o.Height = 1080
	}
	return o
}

// Launcher starts a browser process with the given profile.
type Launcher interface {
	Launch(ctx context.Context, opt Options) (Driver, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, opt Options) (Driver, error)

func (f LauncherFunc) Launch(ctx context.Context, opt Options) (Driver, error) { return f(ctx, opt) }
