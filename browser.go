package swiftbuy

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// Page is the browser-control primitive the engine drives. It is an opaque
// capability: the engine never manages browser installation or profiles
// beyond what the session factory was configured with.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// WaitSettle blocks until the page load and DOM have settled after an
	// action. This and oracle round-trips are the only blocking points.
	WaitSettle(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	// Eval runs a JS function expression and returns its JSON result.
	Eval(ctx context.Context, js string) (json.RawMessage, error)
	Click(ctx context.Context, x, y float64) error
	Type(ctx context.Context, text string) error
	PressKey(ctx context.Context, combo string) error
	Scroll(ctx context.Context, dx, dy float64) error
	URL(ctx context.Context) (string, error)
}

// Session owns one browser for the lifetime of one checkout attempt.
// Sessions are never shared across concurrent attempts.
type Session interface {
	Page() Page
	Alive() bool
	Close()
}

// SessionFactory acquires a fresh browser session. The engine guarantees
// Close is called on every exit path.
type SessionFactory func(ctx context.Context) (Session, error)

type rodSession struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	log      *zap.Logger
}

// BrowserOptions mirror the browser knobs of Config for the rod factory.
type BrowserOptions struct {
	ProfilePath    string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// NewRodSessionFactory returns a SessionFactory backed by a locally
// launched Chrome/Chromium via rod, with stealth pages to keep storefront
// bot heuristics from tripping on the obvious automation fingerprints.
func NewRodSessionFactory(opts BrowserOptions, log *zap.Logger) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		// Leakless deadlocks on Windows, see go-rod/rod#853.
		useLeakless := runtime.GOOS != "windows"

		l := launcher.New().
			Leakless(useLeakless).
			Headless(opts.Headless)

		if opts.ProfilePath != "" {
			l = l.UserDataDir(opts.ProfilePath)
		}

		// Prefer system Chrome; avoids the Chromium download on first run.
		if chromePath, ok := launcher.LookPath(); ok {
			l = l.Bin(chromePath)
			log.Debug("using system chrome", zap.String("path", chromePath))
		}

		controlURL, err := l.Launch()
		if err != nil {
			if strings.Contains(err.Error(), "ProcessSingleton") ||
				strings.Contains(err.Error(), "SingletonLock") {
				return nil, fmt.Errorf("chrome already running with this profile, close it first: %w", err)
			}
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}

		browser := rod.New().ControlURL(controlURL).Context(ctx)
		if err := browser.Connect(); err != nil {
			l.Cleanup()
			return nil, fmt.Errorf("failed to connect to browser: %w", err)
		}

		page, err := stealth.Page(browser)
		if err != nil {
			browser.Close()
			l.Cleanup()
			return nil, fmt.Errorf("failed to create stealth page: %w", err)
		}

		if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
			_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
				Width:  opts.ViewportWidth,
				Height: opts.ViewportHeight,
			})
		}

		ua := opts.UserAgent
		if ua == "" {
			ua = defaultUserAgent
		}
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			log.Debug("failed to set user agent", zap.Error(err))
		}

		return &rodSession{browser: browser, page: page, launcher: l, log: log}, nil
	}
}

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

func (s *rodSession) Page() Page { return &rodPage{page: s.page} }

func (s *rodSession) Alive() bool {
	if s.browser == nil {
		return false
	}
	if _, err := s.browser.Version(); err != nil {
		return false
	}
	if s.page != nil {
		if _, err := s.page.Info(); err != nil {
			return false
		}
	}
	return true
}

func (s *rodSession) Close() {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
	}
	s.log.Debug("browser session destroyed")
}

type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	if err := p.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) WaitSettle(ctx context.Context) error {
	page := p.page.Context(ctx)
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}
	// Reactive storefronts keep mutating after load; wait for the DOM to
	// hold still briefly before trusting element identities.
	if err := page.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		return fmt.Errorf("dom did not settle: %w", err)
	}
	return nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := p.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

func (p *rodPage) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	obj, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return nil, fmt.Errorf("eval failed: %w", err)
	}
	raw, err := obj.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode eval result: %w", err)
	}
	return raw, nil
}

func (p *rodPage) Click(ctx context.Context, x, y float64) error {
	page := p.page.Context(ctx)
	if err := page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("mouse move failed: %w", err)
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (p *rodPage) Type(ctx context.Context, text string) error {
	if err := p.page.Context(ctx).InsertText(text); err != nil {
		return fmt.Errorf("typing failed: %w", err)
	}
	return nil
}

var keyByName = map[string]input.Key{
	"enter":     input.Enter,
	"tab":       input.Tab,
	"escape":    input.Escape,
	"backspace": input.Backspace,
	"arrowdown": input.ArrowDown,
	"arrowup":   input.ArrowUp,
	"pagedown":  input.PageDown,
	"pageup":    input.PageUp,
}

func (p *rodPage) PressKey(ctx context.Context, combo string) error {
	key, ok := keyByName[strings.ToLower(strings.TrimSpace(combo))]
	if !ok {
		return fmt.Errorf("unsupported key combo %q", combo)
	}
	if err := p.page.Context(ctx).Keyboard.Press(key); err != nil {
		return fmt.Errorf("key press failed: %w", err)
	}
	return nil
}

func (p *rodPage) Scroll(ctx context.Context, dx, dy float64) error {
	if err := p.page.Context(ctx).Mouse.Scroll(dx, dy, 1); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("failed to read page info: %w", err)
	}
	return info.URL, nil
}
