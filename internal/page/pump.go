package page

import (
	"context"
	"log"
	"time"

	"regenbridge/internal/dom"
	"regenbridge/internal/facts"
)

// pageEvent is one entry drained from the page-side event buffer.
type pageEvent struct {
	Type         string                 `json:"type"`
	Key          string                 `json:"key"`
	HeadingID    string                 `json:"headingId"`
	SectionPath  string                 `json:"sectionPath"`
	HeadingLevel string                 `json:"headingLevel"`
	Config       map[string]interface{} `json:"config"`
	TS           float64                `json:"ts"`
}

func (ev pageEvent) meta() dom.ControlMeta {
	return dom.ControlMeta{
		Key:          ev.Key,
		HeadingID:    ev.HeadingID,
		SectionPath:  ev.SectionPath,
		HeadingLevel: ev.HeadingLevel,
	}
}

// pump drains the page-side event buffer on a fixed interval and dispatches
// each event. It exits when the context is cancelled or the page goes away.
func (a *Agent) pump(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var events []pageEvent
			err := a.evalInto(&events, `() => window.__qr ? window.__qr.drain() : []`)
			if err != nil {
				// Transient eval failures happen mid-navigation; keep polling.
				continue
			}
			for _, ev := range events {
				a.dispatch(ctx, ev)
			}
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, ev pageEvent) {
	switch ev.Type {
	case "mutation":
		a.signalChange()
	case "activate":
		if ev.Key == "" {
			return
		}
		if a.sink != nil {
			_ = a.sink.Add(ctx, []facts.Fact{{
				Predicate: "control_activated",
				Args:      []interface{}{ev.Key, time.Now().UnixMilli()},
				Timestamp: time.Now(),
			}})
		}
		if a.OnActivate != nil {
			a.OnActivate(ev.meta())
		}
	case "config":
		if a.OnConfig != nil {
			a.OnConfig(ev.Config)
		}
	default:
		log.Printf("Unknown page event type %q", ev.Type)
	}
}

// signalChange delivers a non-blocking change notification; consecutive
// signals coalesce into one pending reconcile.
func (a *Agent) signalChange() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}
