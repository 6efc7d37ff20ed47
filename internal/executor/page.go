package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"net/http"
	"time"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

// Page is the subset of a browser tab the built-in handlers drive.
type Page interface {
	RunScript(ctx context.Context, code string) (any, error)
	Evaluate(ctx context.Context, expression string) (any, error)
	OuterHTML(ctx context.Context, selector string) (string, error)
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context, selector string, quality int) ([]byte, error)
	ScrollIntoView(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	WaitReady(ctx context.Context, selector string) error
}

// ConsoleCapture records console events for the duration of a command.
type ConsoleCapture interface {
	Start() func() []protocol.ConsoleEvent
}

// PageHandlers returns handlers for every variant backed by page. capture
// may be nil, in which case captureConsole is ignored.
func PageHandlers(page Page, capture ConsoleCapture) Handlers {
	p := pageHandlers{page: page, capture: capture}
	return Handlers{
		RunScript:         p.runScript,
		GetDom:            p.getDom,
		Navigate:          p.navigate,
		Screenshot:        p.screenshot,
		DiscoverSelectors: p.discoverSelectors,
	}
}

type pageHandlers struct {
	page    Page
	capture ConsoleCapture
}

func (p pageHandlers) runScript(ctx context.Context, cmd *protocol.RunScript) (any, error) {
	if !cmd.CaptureConsole || p.capture == nil {
		return p.page.RunScript(ctx, cmd.Code)
	}
	stop := p.capture.Start()
	data, err := p.page.RunScript(ctx, cmd.Code)
	events := stop()
	if err != nil {
		return nil, err
	}
	return Output{Data: data, Console: events}, nil
}

const shadowDomScript = `(() => {
  const root = %s ? document.querySelector(%s) : document.documentElement;
  if (!root) { return null; }
  if (typeof root.getHTML === "function") {
    return root.getHTML({ serializableShadowRoots: true, shadowRoots: Array.from(root.querySelectorAll("*")).map((el) => el.shadowRoot).filter(Boolean) });
  }
  return root.outerHTML;
})()`

func (p pageHandlers) getDom(ctx context.Context, cmd *protocol.GetDom) (any, error) {
	if cmd.IncludeShadowDom {
		sel, _ := json.Marshal(cmd.Selector)
		out, err := p.page.Evaluate(ctx, fmt.Sprintf(shadowDomScript, sel, sel))
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, fmt.Errorf("selector %s not found", cmd.Selector)
		}
		return out, nil
	}

	selector := cmd.Selector
	if selector == "" {
		selector = "html"
	}
	html, err := p.page.OuterHTML(ctx, selector)
	if err != nil {
		return nil, err
	}
	if html == "" {
		return nil, fmt.Errorf("selector %s not found", selector)
	}
	return html, nil
}

func (p pageHandlers) navigate(ctx context.Context, cmd *protocol.Navigate) (any, error) {
	if err := p.page.Navigate(ctx, cmd.URL); err != nil {
		return nil, err
	}
	return map[string]any{"url": cmd.URL}, nil
}

func (p pageHandlers) screenshot(ctx context.Context, cmd *protocol.Screenshot) (any, error) {
	for i, hook := range cmd.Hooks {
		if err := p.runHook(ctx, cmd, hook); err != nil {
			return nil, fmt.Errorf("screenshot hook %d (%s): %w", i, hook.Type, err)
		}
	}

	selector := ""
	if cmd.Mode == protocol.ScreenshotElement {
		selector = cmd.Selector
	}
	quality := int(math.Round(cmd.EffectiveQuality() * 100))
	buf, err := p.page.Screenshot(ctx, selector, quality)
	if err != nil {
		return nil, err
	}

	data := protocol.ScreenshotData{
		MimeType: http.DetectContentType(buf),
		Base64:   base64.StdEncoding.EncodeToString(buf),
		Renderer: "cdp",
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(buf)); err == nil {
		data.Width, data.Height = cfg.Width, cfg.Height
	}
	return data, nil
}

func (p pageHandlers) runHook(ctx context.Context, cmd *protocol.Screenshot, hook protocol.ScreenshotHook) error {
	selector := hook.Selector
	if selector == "" {
		selector = cmd.Selector
	}
	switch hook.Type {
	case "scrollIntoView":
		if selector == "" {
			return fmt.Errorf("selector is required")
		}
		return p.page.ScrollIntoView(ctx, selector)
	case "waitForSelector":
		if hook.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutMs)*time.Millisecond)
			defer cancel()
		}
		if hook.Visibility == "visible" {
			return p.page.WaitVisible(ctx, hook.Selector)
		}
		return p.page.WaitReady(ctx, hook.Selector)
	case "waitForIdle":
		frames := hook.FrameCount
		if frames <= 0 {
			frames = 2
		}
		_, err := p.page.Evaluate(ctx, fmt.Sprintf(
			"new Promise((resolve) => { let n = %d; const tick = () => (--n <= 0 ? resolve(true) : requestAnimationFrame(tick)); requestAnimationFrame(tick); })",
			frames))
		return err
	case "wait":
		t := time.NewTimer(time.Duration(hook.Ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "script":
		_, err := p.page.RunScript(ctx, hook.Code)
		return err
	default:
		return fmt.Errorf("unknown hook type %q", hook.Type)
	}
}

const defaultDiscoveryLimit = 20

func (p pageHandlers) discoverSelectors(ctx context.Context, cmd *protocol.DiscoverSelectors) (any, error) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = defaultDiscoveryLimit
	}
	scope, _ := json.Marshal(cmd.ScopeSelector)
	raw, err := p.page.Evaluate(ctx, fmt.Sprintf(discoveryScript, scope, cmd.IncludeHidden, limit))
	if err != nil {
		return nil, err
	}
	return ParseCandidates(raw)
}

// ParseCandidates keeps only well-formed candidates from a discovery script
// result.
func ParseCandidates(raw any) (protocol.SelectorDiscoveryResult, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return protocol.SelectorDiscoveryResult{}, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(encoded, &items); err != nil {
		return protocol.SelectorDiscoveryResult{}, fmt.Errorf("discovery result is not a list: %w", err)
	}

	res := protocol.SelectorDiscoveryResult{Candidates: make([]protocol.SelectorCandidate, 0, len(items))}
	for _, item := range items {
		var c protocol.SelectorCandidate
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}
		if protocol.Validator().Struct(c) != nil {
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}
	return res, nil
}

const discoveryScript = `(() => {
  const scopeSelector = %s;
  const includeHidden = %t;
  const limit = %d;
  const root = scopeSelector ? document.querySelector(scopeSelector) : document.body;
  if (!root) { return []; }
  const esc = (v) => (window.CSS && CSS.escape ? CSS.escape(v) : v);
  const pathOf = (el) => {
    const parts = [];
    for (let node = el; node && node.nodeType === 1 && parts.length < 6; node = node.parentElement) {
      const parent = node.parentElement;
      const tag = node.tagName.toLowerCase();
      if (!parent) { parts.unshift(tag); break; }
      const same = Array.from(parent.children).filter((c) => c.tagName === node.tagName);
      parts.unshift(same.length > 1 ? tag + ":nth-of-type(" + (same.indexOf(node) + 1) + ")" : tag);
    }
    return parts.join(" > ");
  };
  const describe = (el) => {
    if (el.dataset && el.dataset.target) return ["data-target", "[data-target=\"" + el.dataset.target + "\"]", 100];
    if (el.dataset && el.dataset.testid) return ["testid", "[data-testid=\"" + el.dataset.testid + "\"]", 90];
    if (el.id) return ["id", "#" + esc(el.id), 80];
    const aria = el.getAttribute("aria-label");
    if (aria) return ["aria", el.tagName.toLowerCase() + "[aria-label=\"" + aria + "\"]", 60];
    const role = el.getAttribute("role");
    if (role) return ["role", el.tagName.toLowerCase() + "[role=\"" + role + "\"]", 40];
    return ["structure", pathOf(el), 10];
  };
  const nodes = root.querySelectorAll("[data-target],[data-testid],[id],[aria-label],[role],button,a[href],input,select,textarea");
  const out = [];
  for (const el of nodes) {
    const rect = el.getBoundingClientRect();
    const style = getComputedStyle(el);
    const visible = rect.width > 0 && rect.height > 0 && style.visibility !== "hidden" && style.display !== "none";
    if (!visible && !includeHidden) continue;
    const [hook, selector, base] = describe(el);
    out.push({
      selector, hook,
      tagName: el.tagName.toLowerCase(),
      textSnippet: (el.innerText || el.value || "").trim().slice(0, 80),
      score: base + (visible ? 5 : 0),
      visible,
      size: { width: rect.width, height: rect.height },
      position: { top: rect.top + scrollY, left: rect.left + scrollX },
      dataTarget: el.dataset ? el.dataset.target || null : null,
      id: el.id || null,
      dataTestId: el.dataset ? el.dataset.testid || null : null,
      path: pathOf(el),
    });
  }
  out.sort((a, b) => b.score - a.score);
  return out.slice(0, limit);
})()`
