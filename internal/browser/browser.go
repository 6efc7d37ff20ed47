// Package browser attaches to an existing browser tab over CDP and exposes
// the page operations SweetLink commands need.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

// ErrNotConnected is returned by page operations before Connect succeeds.
var ErrNotConnected = errors.New("browser is not connected")

// Browser manages one attached tab.
type Browser struct {
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	controlURL  string
	targetID    string
	urlMatch    string
	connected   bool
}

// Config holds browser configuration.
type Config struct {
	// ControlURL is the CDP endpoint, e.g. ws://127.0.0.1:9222/devtools/browser/...
	// or http://127.0.0.1:9222.
	ControlURL string
	// TargetID selects a tab. When empty, URLContains picks the first page
	// whose URL contains it, else the first page target.
	TargetID    string
	URLContains string
}

// New creates a new browser instance.
func New(cfg *Config) *Browser {
	return &Browser{
		controlURL: cfg.ControlURL,
		targetID:   cfg.TargetID,
		urlMatch:   cfg.URLContains,
	}
}

// Connect attaches to the selected tab without navigating it.
func (b *Browser) Connect(ctx context.Context) error {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, b.controlURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	release := func() {
		browserCancel()
		allocCancel()
	}

	if err := chromedp.Run(browserCtx); err != nil {
		release()
		return fmt.Errorf("connect to %s: %w", b.controlURL, err)
	}

	targetID := target.ID(b.targetID)
	if targetID == "" {
		tabs, err := chromedp.Targets(browserCtx)
		if err != nil {
			release()
			return fmt.Errorf("list targets: %w", err)
		}
		targetID = pickTarget(tabs, b.urlMatch, chromedp.FromContext(browserCtx))
		if targetID == "" {
			release()
			return fmt.Errorf("no page target found at %s", b.controlURL)
		}
	}

	taskCtx, taskCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(taskCtx); err != nil {
		taskCancel()
		release()
		return fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	b.mu.Lock()
	b.ctx = taskCtx
	b.cancel = taskCancel
	b.allocCancel = release
	b.targetID = string(targetID)
	b.connected = true
	b.mu.Unlock()
	return nil
}

// pickTarget skips the scratch tab chromedp opened for the browser connection.
func pickTarget(tabs []*target.Info, urlContains string, own *chromedp.Context) target.ID {
	var ownID target.ID
	if own != nil && own.Target != nil {
		ownID = own.Target.TargetID
	}
	var first target.ID
	for _, t := range tabs {
		if t.Type != "page" || t.TargetID == ownID {
			continue
		}
		if first == "" {
			first = t.TargetID
		}
		if urlContains != "" && strings.Contains(t.URL, urlContains) {
			return t.TargetID
		}
	}
	if urlContains != "" {
		return ""
	}
	return first
}

// Close detaches from the tab. The tab itself stays open.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.connected = false
}

// IsConnected returns whether the browser is connected.
func (b *Browser) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// TargetID returns the attached tab id.
func (b *Browser) TargetID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.targetID
}

// run executes actions on the tab, cancelled when either the tab or ctx ends.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.RLock()
	tab, connected := b.ctx, b.connected
	b.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// ScriptError is a JavaScript exception raised by page code.
type ScriptError struct {
	Message string
	Trace   string
}

func (e *ScriptError) Error() string { return e.Message }

// Stack returns the JavaScript stack, if any.
func (e *ScriptError) Stack() string { return e.Trace }

func scriptError(err error) error {
	var details *runtime.ExceptionDetails
	if !errors.As(err, &details) {
		return err
	}
	se := &ScriptError{Message: details.Text}
	if details.Exception != nil && details.Exception.Description != "" {
		se.Message = details.Exception.Description
	}
	if details.StackTrace != nil {
		var sb strings.Builder
		for _, frame := range details.StackTrace.CallFrames {
			fmt.Fprintf(&sb, "    at %s (%s:%d:%d)\n", frame.FunctionName, frame.URL, frame.LineNumber+1, frame.ColumnNumber+1)
		}
		se.Trace = strings.TrimRight(sb.String(), "\n")
	}
	return se
}

// Evaluate runs expression in the page, awaiting promises. Undefined results
// come back as nil.
func (b *Browser) Evaluate(ctx context.Context, expression string) (any, error) {
	wrapped := fmt.Sprintf("(async () => { const value = await (%s); return value === undefined ? null : value; })()", expression)
	var result any
	err := b.run(ctx, chromedp.Evaluate(wrapped, &result, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true).WithUserGesture(true)
	}))
	if err != nil {
		return nil, scriptError(err)
	}
	return result, nil
}

// RunScript evaluates arbitrary statements; the completion value of the last
// statement is returned.
func (b *Browser) RunScript(ctx context.Context, code string) (any, error) {
	quoted, err := json.Marshal(code)
	if err != nil {
		return nil, err
	}
	return b.Evaluate(ctx, "(0, eval)("+string(quoted)+")")
}

// Navigate navigates to a URL.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	return b.run(ctx, chromedp.Navigate(url))
}

// OuterHTML returns the outer HTML of the first element matching selector.
func (b *Browser) OuterHTML(ctx context.Context, selector string) (string, error) {
	var html string
	err := b.run(ctx, chromedp.OuterHTML(selector, &html, chromedp.ByQuery, chromedp.AtLeast(0)))
	return html, err
}

// Screenshot captures the full page when selector is empty, else the element.
// Quality below 100 produces a JPEG for full-page captures.
func (b *Browser) Screenshot(ctx context.Context, selector string, quality int) ([]byte, error) {
	var buf []byte
	var action chromedp.Action

	if selector == "" {
		action = chromedp.FullScreenshot(&buf, quality)
	} else {
		action = chromedp.Screenshot(selector, &buf, chromedp.ByQuery)
	}

	if err := b.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// ScrollIntoView scrolls the first matching element into view.
func (b *Browser) ScrollIntoView(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
}

// WaitVisible waits for an element to be visible.
func (b *Browser) WaitVisible(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// WaitReady waits for an element to exist.
func (b *Browser) WaitReady(ctx context.Context, selector string) error {
	return b.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

// PageInfo describes the attached page for registration.
type PageInfo struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	UserAgent string `json:"userAgent"`
	TopOrigin string `json:"topOrigin"`
}

const pageInfoScript = `({
  url: location.href,
  title: document.title,
  userAgent: navigator.userAgent,
  topOrigin: (() => { try { return window.top.location.origin; } catch (e) { return location.origin; } })()
})`

// PageInfo reads url, title, user agent and top origin from the page.
func (b *Browser) PageInfo(ctx context.Context) (PageInfo, error) {
	var info PageInfo
	if err := b.run(ctx, chromedp.Evaluate(pageInfoScript, &info)); err != nil {
		return PageInfo{}, err
	}
	return info, nil
}

// OnConsole routes the page's console API calls to fn until the tab closes.
func (b *Browser) OnConsole(fn func(level protocol.ConsoleLevel, args []any)) error {
	b.mu.RLock()
	tab, connected := b.ctx, b.connected
	b.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	chromedp.ListenTarget(tab, func(ev any) {
		called, ok := ev.(*runtime.EventConsoleAPICalled)
		if !ok {
			return
		}
		args := make([]any, 0, len(called.Args))
		for _, arg := range called.Args {
			args = append(args, remoteValue(arg))
		}
		fn(consoleLevel(string(called.Type)), args)
	})
	return chromedp.Run(tab, runtime.Enable())
}

func consoleLevel(apiType string) protocol.ConsoleLevel {
	switch apiType {
	case "warning":
		return protocol.LevelWarn
	case "error", "assert":
		return protocol.LevelError
	case "info":
		return protocol.LevelInfo
	case "debug":
		return protocol.LevelDebug
	default:
		return protocol.LevelLog
	}
}

func remoteValue(obj *runtime.RemoteObject) any {
	if obj == nil {
		return nil
	}
	if len(obj.Value) > 0 {
		var v any
		if err := json.Unmarshal(obj.Value, &v); err == nil {
			return v
		}
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

// Tabs returns the open page targets.
func (b *Browser) Tabs(ctx context.Context) ([]TabInfo, error) {
	b.mu.RLock()
	tab, connected := b.ctx, b.connected
	b.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	targets, err := chromedp.Targets(tab)
	if err != nil {
		return nil, err
	}

	var tabs []TabInfo
	for _, t := range targets {
		if t.Type == "page" {
			tabs = append(tabs, TabInfo{
				ID:    string(t.TargetID),
				URL:   t.URL,
				Title: t.Title,
			})
		}
	}

	return tabs, nil
}

// TabInfo represents information about a browser tab.
type TabInfo struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// DefaultTimeout bounds page operations that have no command deadline.
const DefaultTimeout = 30 * time.Second
