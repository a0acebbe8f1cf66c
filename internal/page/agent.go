// Package page drives the host page over the Chrome DevTools Protocol. It
// installs a small page-side runtime, exposes the live DOM through the dom
// interfaces, and pumps page events (re-renders, control activations,
// config updates) back to the Go side.
package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"regenbridge/internal/config"
	"regenbridge/internal/dom"
	"regenbridge/internal/facts"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// FactSink is the minimal interface the agent needs from the logic layer.
type FactSink interface {
	Add(ctx context.Context, fs []facts.Fact) error
}

// Agent owns the connection to Chrome and the host page tab.
type Agent struct {
	cfg       config.PageConfig
	selectors config.SelectorConfig
	sink      FactSink

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	controlURL string

	changes chan struct{}
	pumpCtx context.CancelFunc

	// Wired by the composition root before Start.
	OnActivate func(meta dom.ControlMeta)
	OnConfig   func(data map[string]interface{})
}

func NewAgent(cfg config.PageConfig, selectors config.SelectorConfig, sink FactSink) *Agent {
	return &Agent{
		cfg:       cfg,
		selectors: selectors,
		sink:      sink,
		changes:   make(chan struct{}, 1),
	}
}

// Start connects to an existing Chrome or launches a new one, locates the
// host page tab (opening one if needed), installs the page runtime, and
// starts the event pump.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.browser != nil {
		_, err := a.browser.Version()
		if err == nil && a.page != nil {
			a.mu.Unlock()
			return nil
		}
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = a.browser.Close()
		a.browser = nil
		a.page = nil
		a.controlURL = ""
	}
	a.mu.Unlock()

	controlURL := a.cfg.DebuggerURL
	if controlURL == "" && len(a.cfg.Launch) > 0 {
		bin := a.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(a.cfg.IsHeadless())
		if len(a.cfg.Launch) > 1 {
			for _, rawFlag := range a.cfg.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					launch = launch.Set(flags.Flag(name), val)
				} else {
					launch = launch.Set(flags.Flag(name))
				}
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(a.cfg.IsHeadless())
			if alt, altErr := fallback.Launch(); altErr == nil {
				controlURL = alt
			} else {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	p, err := a.findOrOpenPage(ctx, browser)
	if err != nil {
		_ = browser.Close()
		return err
	}

	if err := a.installRuntime(ctx, p); err != nil {
		_ = browser.Close()
		return err
	}

	a.mu.Lock()
	if a.pumpCtx != nil {
		a.pumpCtx()
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	a.browser = browser
	a.page = p
	a.controlURL = controlURL
	a.pumpCtx = cancel
	a.mu.Unlock()

	go a.pump(pumpCtx)

	log.Printf("Attached to host page at %s (browser %s)", a.cfg.URL, controlURL)
	return nil
}

// findOrOpenPage picks the first open tab whose URL starts with the
// configured host URL, or opens a new tab there.
func (a *Agent) findOrOpenPage(ctx context.Context, browser *rod.Browser) (*rod.Page, error) {
	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.URL, a.cfg.URL) {
			return p.Context(ctx), nil
		}
	}

	p, err := browser.Page(proto.TargetCreateTarget{URL: a.cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("open host page: %w", err)
	}
	p = p.Context(ctx)
	if err := p.Timeout(a.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for host page load: %w", err)
	}
	return p, nil
}

func (a *Agent) installRuntime(ctx context.Context, p *rod.Page) error {
	_, err := p.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      runtimeJS,
		JSArgs:  []interface{}{a.selectors.Anchor, a.selectors.Block, a.selectors.Field},
		ByValue: true,
	})
	if err != nil {
		return fmt.Errorf("install page runtime: %w", err)
	}
	return nil
}

// Shutdown stops the event pump and closes the browser connection.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pumpCtx != nil {
		a.pumpCtx()
		a.pumpCtx = nil
	}
	var err error
	if a.browser != nil {
		err = a.browser.Close()
		a.browser = nil
	}
	a.page = nil
	a.controlURL = ""
	log.Printf("Page agent shutdown complete")
	return err
}

// IsAttached reports whether the agent currently holds a live page.
func (a *Agent) IsAttached() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.page != nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (a *Agent) ControlURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.controlURL
}

// Document returns the live-page view of the host DOM. The same value stays
// valid across reattaches because all access goes through the agent.
func (a *Agent) Document() dom.Document {
	return &pageDocument{agent: a}
}

// Changes delivers a coalesced signal whenever the host page re-renders.
func (a *Agent) Changes() <-chan struct{} {
	return a.changes
}

// Notify shows a transient toast on the host page. Implements dom.Notifier.
// A detached agent logs the message instead of dropping it.
func (a *Agent) Notify(level dom.Level, message string) {
	_, err := a.evalBool(
		`(message, level) => window.__qr ? window.__qr.toast(message, level) : false`,
		message, string(level))
	if err != nil {
		log.Printf("Toast (%s, undelivered): %s", level, message)
		return
	}
	if a.sink != nil {
		_ = a.sink.Add(context.Background(), []facts.Fact{{
			Predicate: "toast_shown",
			Args:      []interface{}{string(level), message, time.Now().UnixMilli()},
			Timestamp: time.Now(),
		}})
	}
}

// ReadPageConfig returns the host page's current global config object, or
// nil when the page has not published one.
func (a *Agent) ReadPageConfig(ctx context.Context) (map[string]interface{}, error) {
	p := a.livePage()
	if p == nil {
		return nil, errors.New("not attached to a page")
	}
	res, err := p.Context(ctx).Eval(`() => window.__qr ? window.__qr.config() : null`)
	if err != nil {
		return nil, fmt.Errorf("read page config: %w", err)
	}
	if res.Value.Nil() {
		return nil, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("decode page config: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode page config: %w", err)
	}
	return data, nil
}

func (a *Agent) livePage() *rod.Page {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.page
}

// eval runs the given JS function on the live page and returns the result.
func (a *Agent) eval(js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	p := a.livePage()
	if p == nil {
		return nil, errors.New("not attached to a page")
	}
	return p.Eval(js, args...)
}

func (a *Agent) evalBool(js string, args ...interface{}) (bool, error) {
	res, err := a.eval(js, args...)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (a *Agent) evalInto(out interface{}, js string, args ...interface{}) error {
	res, err := a.eval(js, args...)
	if err != nil {
		return err
	}
	if res.Value.Nil() {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
