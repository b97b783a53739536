package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	logx "sender/pkg/logx"
)

// hideWebdriver runs before any page script in every tab.
const hideWebdriver = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

const mainTab TabID = "main"

// ChromeLauncher starts Chrome/Chromium through the DevTools protocol.
type ChromeLauncher struct {
	Log logx.Logger
}

func (l ChromeLauncher) Launch(ctx context.Context, opt Options) (Driver, error) {
	opt = opt.withDefaults()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(opt.UserAgent),
		chromedp.WindowSize(opt.Width, opt.Height),
		chromedp.Flag("headless", opt.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opt.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opt.ProfileDir))
	}
	if opt.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opt.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opt.ExecPath))
	}

	// The browser outlives the caller's request, so it hangs off Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stopWatch := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(c context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(c)
		return err
	}))
	stopWatch()
	if err != nil {
		browserCancel()
		allocCancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	log := l.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &ChromeDriver{
		log:         log,
		allocCancel: allocCancel,
		tabs:        map[TabID]*chromeTab{mainTab: {ctx: browserCtx, cancel: browserCancel}},
		current:     mainTab,
	}
	return d, nil
}

type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ Driver = (*ChromeDriver)(nil)

// ChromeDriver implements Driver on top of chromedp. Every call runs in the
// current tab's context, bounded by the caller's ctx.
type ChromeDriver struct {
	log logx.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabs        map[TabID]*chromeTab
	current     TabID
	closed      bool
}

func (d *ChromeDriver) tab() (*chromeTab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	t := d.tabs[d.current]
	if t == nil {
		return nil, ErrNoTab
	}
	return t, nil
}

// run executes actions in the current tab. timeout > 0 bounds the call and
// maps its expiry to ErrTimeout; caller cancellation is returned as ctx.Err().
func (d *ChromeDriver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	t, err := d.tab()
	if err != nil {
		return err
	}
	var (
		rctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		rctx, cancel = context.WithCancel(t.ctx)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if timeout > 0 && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, 0, chromedp.Navigate(url))
}

func (d *ChromeDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	return d.run(ctx, timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (d *ChromeDriver) nodes(ctx context.Context, selector string) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	err := d.run(ctx, 0, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0)))
	return nodes, err
}

func (d *ChromeDriver) FindElement(ctx context.Context, selector string) (Element, error) {
	nodes, err := d.nodes(ctx, selector)
	if err != nil {
		return Element{}, err
	}
	if len(nodes) == 0 {
		return Element{}, fmt.Errorf("%w: %s", ErrNoElement, selector)
	}
	return Element{Selector: selector}, nil
}

func (d *ChromeDriver) Exists(ctx context.Context, selector string) (bool, error) {
	nodes, err := d.nodes(ctx, selector)
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (d *ChromeDriver) SendKeys(ctx context.Context, el Element, text string) error {
	return d.run(ctx, 0, chromedp.SendKeys(el.Selector, text, chromedp.ByQuery))
}

func (d *ChromeDriver) PressKey(ctx context.Context, el Element, key Key) error {
	var ev chromedp.Action
	switch key {
	case KeySoftNewline:
		ev = chromedp.KeyEvent(kb.Enter, chromedp.KeyModifiers(input.ModifierShift))
	case KeyBackspace:
		ev = chromedp.KeyEvent(kb.Backspace)
	case KeyEnter:
		ev = chromedp.KeyEvent(kb.Enter)
	default:
		return fmt.Errorf("browser: unsupported key %d", int(key))
	}
	return d.run(ctx, 0, chromedp.Focus(el.Selector, chromedp.ByQuery), ev)
}

// Clear empties inputs and contenteditable nodes alike.
func (d *ChromeDriver) Clear(ctx context.Context, el Element) error {
	js := fmt.Sprintf(`(function(){
  var e = document.querySelector(%q);
  if (!e) { return false; }
  if ('value' in e) { e.value = ''; } else { e.textContent = ''; }
  e.dispatchEvent(new Event('input', {bubbles: true}));
  return true;
})()`, el.Selector)
	var ok bool
	if err := d.run(ctx, 0, chromedp.Evaluate(js, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoElement, el.Selector)
	}
	return nil
}

func (d *ChromeDriver) Click(ctx context.Context, el Element) error {
	return d.run(ctx, 0, chromedp.Click(el.Selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (d *ChromeDriver) ExecuteScript(ctx context.Context, js string) error {
	return d.run(ctx, 0, chromedp.Evaluate(js, nil))
}

func (d *ChromeDriver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := d.run(ctx, 0, chromedp.Location(&u))
	return u, err
}

func (d *ChromeDriver) OpenTab(ctx context.Context) (TabID, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}
	root := d.tabs[mainTab]
	d.mu.Unlock()

	tctx, cancel := chromedp.NewContext(root.ctx)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tctx, chromedp.ActionFunc(func(c context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(hideWebdriver).Do(c)
		return err
	}))
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("open tab: %w", err)
	}

	id := TabID(chromedp.FromContext(tctx).Target.TargetID)
	d.mu.Lock()
	d.tabs[id] = &chromeTab{ctx: tctx, cancel: cancel}
	d.mu.Unlock()
	d.log.Debug("tab opened", logx.String("tab", string(id)))
	return id, nil
}

func (d *ChromeDriver) CloseTab(_ context.Context, id TabID) error {
	if id == mainTab {
		return fmt.Errorf("%w: main tab cannot be closed", ErrNoTab)
	}
	d.mu.Lock()
	t := d.tabs[id]
	delete(d.tabs, id)
	if d.current == id {
		d.current = mainTab
	}
	d.mu.Unlock()
	if t == nil {
		return ErrNoTab
	}
	// Cancelling a NewContext context closes its target.
	t.cancel()
	return nil
}

func (d *ChromeDriver) SwitchTab(_ context.Context, id TabID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[id]; !ok {
		return ErrNoTab
	}
	d.current = id
	return nil
}

func (d *ChromeDriver) CurrentTab() TabID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	tabs := d.tabs
	d.tabs = map[TabID]*chromeTab{}
	allocCancel := d.allocCancel
	d.mu.Unlock()

	for id, t := range tabs {
		if id != mainTab {
			t.cancel()
		}
	}
	var err error
	if root := tabs[mainTab]; root != nil {
		// Cancel asks the browser to exit gracefully before killing the process.
		err = chromedp.Cancel(root.ctx)
		root.cancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
