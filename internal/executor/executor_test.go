package executor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweetlink/sweetlink/internal/console"
	"github.com/sweetlink/sweetlink/internal/protocol"
)

type stackErr struct{}

func (stackErr) Error() string { return "boom" }
func (stackErr) Stack() string { return "at page.js:1:1" }

func TestPingIsBuiltIn(t *testing.T) {
	e := New(Options{Logger: zerolog.Nop()})
	res := e.Execute(context.Background(), &protocol.Ping{ID: "p1"})

	assert.True(t, res.OK)
	assert.Equal(t, "p1", res.CommandID)
	assert.Equal(t, true, res.Data.(map[string]any)["pong"])
}

func TestUnsupportedVariant(t *testing.T) {
	e := New(Options{})
	res := e.Execute(context.Background(), &protocol.Navigate{ID: "n1", URL: "/"})

	assert.False(t, res.OK)
	assert.Equal(t, "n1", res.CommandID)
	assert.Contains(t, res.Error, "not supported")
}

func TestNilCommand(t *testing.T) {
	res := New(Options{}).Execute(context.Background(), nil)
	assert.False(t, res.OK)
	assert.Equal(t, ErrUnknownCommand.Error(), res.Error)
}

func TestValidationFailureIsResult(t *testing.T) {
	e := New(Options{Handlers: Handlers{
		RunScript: func(context.Context, *protocol.RunScript) (any, error) { return "ran", nil },
	}})
	res := e.Execute(context.Background(), &protocol.RunScript{ID: "r"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "Code is required")
}

func TestHandlerErrorCarriesStack(t *testing.T) {
	e := New(Options{Handlers: Handlers{
		RunScript: func(context.Context, *protocol.RunScript) (any, error) { return nil, stackErr{} },
	}})
	res := e.Execute(context.Background(), &protocol.RunScript{ID: "r", Code: "x"})

	assert.False(t, res.OK)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, "at page.js:1:1", res.Stack)
	assert.Nil(t, res.Data)
}

func TestHandlerPanicIsContained(t *testing.T) {
	e := New(Options{Handlers: Handlers{
		GetDom: func(context.Context, *protocol.GetDom) (any, error) { panic("kaboom") },
	}})
	res := e.Execute(context.Background(), &protocol.GetDom{ID: "g"})

	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "kaboom")
	assert.NotEmpty(t, res.Stack)
}

func TestCommandTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := New(Options{Handlers: Handlers{
		RunScript: func(ctx context.Context, _ *protocol.RunScript) (any, error) {
			<-release
			return nil, nil
		},
	}})

	res := e.Execute(context.Background(), &protocol.RunScript{ID: "slow", Code: "x", TimeoutMs: 20})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "timed out after 20ms")
}

func TestDurationIsMeasured(t *testing.T) {
	clock := time.Unix(0, 0)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(15 * time.Millisecond)
		return clock
	}
	// unsupported variants never call now() from a handler
	res := New(Options{Now: now}).Execute(context.Background(), &protocol.Navigate{ID: "n", URL: "/"})
	assert.False(t, res.OK)
	assert.Equal(t, int64(15), res.DurationMs)
}

type fakePage struct {
	mu        sync.Mutex
	scripts   []string
	evals     []string
	navigated string
	html      string
	shot      []byte
	shotSel   string
	shotQ     int
	scrolled  string
	evalOut   any
	onRun     func()
}

func (f *fakePage) RunScript(ctx context.Context, code string) (any, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, code)
	onRun := f.onRun
	f.mu.Unlock()
	if onRun != nil {
		onRun()
	}
	return "result:" + code, nil
}

func (f *fakePage) Evaluate(ctx context.Context, expression string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, expression)
	return f.evalOut, nil
}

func (f *fakePage) OuterHTML(ctx context.Context, selector string) (string, error) {
	if selector == "#missing" {
		return "", nil
	}
	return f.html, nil
}

func (f *fakePage) Navigate(ctx context.Context, url string) error {
	f.navigated = url
	return nil
}

func (f *fakePage) Screenshot(ctx context.Context, selector string, quality int) ([]byte, error) {
	f.shotSel, f.shotQ = selector, quality
	return f.shot, nil
}

func (f *fakePage) ScrollIntoView(ctx context.Context, selector string) error {
	f.scrolled = selector
	return nil
}

func (f *fakePage) WaitVisible(ctx context.Context, selector string) error { return nil }
func (f *fakePage) WaitReady(ctx context.Context, selector string) error {
	return errors.New("never ready")
}

func tinyPNG(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPageRunScriptCapturesConsole(t *testing.T) {
	capture := console.NewCapture()
	page := &fakePage{}
	page.onRun = func() {
		capture.Observe(console.NewEvent(protocol.LevelInfo, []any{"inside"}, time.Now()))
	}
	e := New(Options{Handlers: PageHandlers(page, capture)})

	res := e.Execute(context.Background(), &protocol.RunScript{ID: "r", Code: "1+1", CaptureConsole: true})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "result:1+1", res.Data)
	require.Len(t, res.Console, 1)
	assert.Equal(t, []any{"inside"}, res.Console[0].Args)

	res = e.Execute(context.Background(), &protocol.RunScript{ID: "r2", Code: "2"})
	assert.Empty(t, res.Console)
}

func TestPageGetDom(t *testing.T) {
	page := &fakePage{html: "<html></html>"}
	e := New(Options{Handlers: PageHandlers(page, nil)})

	res := e.Execute(context.Background(), &protocol.GetDom{ID: "g"})
	require.True(t, res.OK)
	assert.Equal(t, "<html></html>", res.Data)

	res = e.Execute(context.Background(), &protocol.GetDom{ID: "g", Selector: "#missing"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "#missing not found")
}

func TestPageNavigate(t *testing.T) {
	page := &fakePage{}
	res := New(Options{Handlers: PageHandlers(page, nil)}).Execute(context.Background(), &protocol.Navigate{ID: "n", URL: "https://example.test/a"})
	require.True(t, res.OK)
	assert.Equal(t, "https://example.test/a", page.navigated)
}

func TestPageScreenshot(t *testing.T) {
	page := &fakePage{shot: tinyPNG(t)}
	e := New(Options{Handlers: PageHandlers(page, nil)})

	res := e.Execute(context.Background(), &protocol.Screenshot{
		ID:       "s",
		Mode:     protocol.ScreenshotElement,
		Selector: ".card",
		Hooks:    []protocol.ScreenshotHook{{Type: "scrollIntoView"}, {Type: "wait", Ms: 1}},
	})
	require.True(t, res.OK, res.Error)

	data := res.Data.(protocol.ScreenshotData)
	assert.Equal(t, "image/png", data.MimeType)
	assert.Equal(t, 3, data.Width)
	assert.Equal(t, 2, data.Height)
	assert.Equal(t, ".card", page.shotSel)
	assert.Equal(t, 92, page.shotQ)
	assert.Equal(t, ".card", page.scrolled)
}

func TestPageScreenshotHookFailure(t *testing.T) {
	page := &fakePage{shot: tinyPNG(t)}
	res := New(Options{Handlers: PageHandlers(page, nil)}).Execute(context.Background(), &protocol.Screenshot{
		ID:    "s",
		Mode:  protocol.ScreenshotFull,
		Hooks: []protocol.ScreenshotHook{{Type: "waitForSelector", Selector: "#late"}},
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "never ready")
}

func TestPageDiscoverSelectors(t *testing.T) {
	page := &fakePage{evalOut: []any{
		map[string]any{"selector": "#go", "tagName": "button", "hook": "id", "path": "body > button", "score": 85.0, "visible": true},
		map[string]any{"selector": "x", "tagName": "div", "hook": "bogus", "path": "div"},
	}}
	res := New(Options{Handlers: PageHandlers(page, nil)}).Execute(context.Background(), &protocol.DiscoverSelectors{ID: "d", Limit: 5})
	require.True(t, res.OK, res.Error)

	out := res.Data.(protocol.SelectorDiscoveryResult)
	require.Len(t, out.Candidates, 1)
	assert.Equal(t, "#go", out.Candidates[0].Selector)
	assert.Contains(t, page.evals[0], "const limit = 5;")
}
