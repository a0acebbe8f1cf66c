package regen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"regenbridge/internal/correlation"
	"regenbridge/internal/dom"
	"regenbridge/internal/facts"
	"regenbridge/internal/recorder"

	"github.com/google/uuid"
)

// User-visible messages. The webhook-unset text is part of the host page's
// documented behavior; keep it stable.
const (
	msgWebhookUnset  = "Quick regenerate webhook is not configured."
	msgTemplateUnset = "Quick regenerate payload template is not configured."
	msgFieldNotFound = "Could not locate the heading input for this section."
	msgUnreachable   = "Regenerate service is unreachable."
	msgTimeout       = "Regenerate request timed out."
	msgBadResponse   = "Regenerate service returned an unexpected response."
)

// CoordinatorOptions carries the optional collaborators of a Coordinator.
type CoordinatorOptions struct {
	// Timeout bounds the outbound webhook call. Zero imposes none.
	Timeout time.Duration
	// Client overrides the HTTP client (tests).
	Client *http.Client
	// Facts receives lifecycle facts when non-nil.
	Facts FactSink
	// Trace receives flight-recorder events; nil discards.
	Trace *recorder.Recorder
}

// Coordinator owns the click-to-response lifecycle: it issues uniquely
// identified webhook requests, tracks at most one in-flight request per
// logical key, and validates every asynchronous response against the current
// world state before applying a mutation. Per-key lifecycle:
//
//	Idle -> Pending -> (Applied | Rejected | Superseded) -> Idle
type Coordinator struct {
	store      *ConfigStore
	registry   *AnchorRegistry
	reconciler *Reconciler
	notes      dom.Notifier
	sink       FactSink
	trace      *recorder.Recorder
	client     *http.Client
	timeout    time.Duration

	mu       sync.Mutex
	inflight map[string]string // key -> currently-authoritative request id
}

func NewCoordinator(store *ConfigStore, registry *AnchorRegistry, reconciler *Reconciler, notes dom.Notifier, opts CoordinatorOptions) *Coordinator {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Coordinator{
		store:      store,
		registry:   registry,
		reconciler: reconciler,
		notes:      notes,
		sink:       opts.Facts,
		trace:      opts.Trace,
		client:     client,
		timeout:    opts.Timeout,
		inflight:   make(map[string]string),
	}
}

// InFlight returns a snapshot of the in-flight map (for status reporting).
func (c *Coordinator) InFlight() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.inflight))
	for k, v := range c.inflight {
		out[k] = v
	}
	return out
}

// Activate runs the Idle->Pending transition for the control whose metadata
// is meta and issues the webhook call. The HTTP exchange runs on its own
// goroutine; the returned channel closes when the lifecycle reaches a
// terminal state, whether or not a request was actually issued. The boolean
// reports whether one was: false means a precondition aborted the
// activation before anything left the process. ctx scopes the outbound call
// and must outlive it.
func (c *Coordinator) Activate(ctx context.Context, meta dom.ControlMeta) (<-chan struct{}, bool) {
	done := make(chan struct{})

	anchor, ok := c.registry.Lookup(meta.Key)
	if !ok || !anchor.Connected() {
		// The world changed under the user. Self-heal with a full pass
		// instead of a silent no-op, so stale bindings get cleaned up.
		close(done)
		if c.reconciler != nil {
			_ = c.reconciler.Reconcile(ctx)
		}
		return done, false
	}
	if anchor.Locked() {
		close(done)
		return done, false
	}
	// Re-read the anchor's data; the control's copy may lag a re-render.
	meta = anchor.Meta()

	block, ok := anchor.TargetBlock()
	var field dom.Field
	if ok {
		field, ok = block.Field()
	}
	if !ok {
		c.notes.Notify(dom.LevelError, msgFieldNotFound)
		close(done)
		return done, false
	}

	cfg := c.store.Read()
	if strings.TrimSpace(cfg.Webhook) == "" {
		c.notes.Notify(dom.LevelError, msgWebhookUnset)
		close(done)
		return done, false
	}
	if cfg.Body == nil {
		c.notes.Notify(dom.LevelError, msgTemplateUnset)
		close(done)
		return done, false
	}

	current, err := field.Value()
	if err != nil {
		c.notes.Notify(dom.LevelError, msgFieldNotFound)
		close(done)
		return done, false
	}

	requestID := uuid.NewString()
	payload := buildPayload(cfg.Body, current, meta, requestID, time.Now())
	envelope := buildEnvelope(cfg.Envelope, payload)
	body, err := json.Marshal(envelope)
	if err != nil {
		c.notes.Notify(dom.LevelError, msgTemplateUnset)
		close(done)
		return done, false
	}

	if ctrl, has := block.Control(); has {
		ctrl.SetLoading(true)
	}

	// One entry per key: issuing replaces, never stacks. A prior pending
	// request for this key is abandoned here; its response will be
	// recognized as stale.
	c.mu.Lock()
	c.inflight[meta.Key] = requestID
	c.mu.Unlock()

	ident := correlation.Identity{
		RequestID:   requestID,
		HeadingID:   meta.HeadingID,
		SectionPath: meta.SectionPath,
	}

	c.emit(ctx, "request_sent", meta.Key, requestID)
	c.trace.Log("request_sent", meta.Key, requestID, map[string]interface{}{"webhook": cfg.Webhook})
	log.Printf("[regen:%s] request %s issued", meta.Key, requestID)

	go func() {
		defer close(done)
		res := c.post(ctx, cfg.Webhook, body)
		c.finish(ctx, meta.Key, ident, res)
	}()
	return done, true
}

type webhookResult struct {
	status int
	body   []byte
	err    error
}

func (c *Coordinator) post(ctx context.Context, url string, body []byte) webhookResult {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return webhookResult{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return webhookResult{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return webhookResult{status: resp.StatusCode, err: err}
	}
	return webhookResult{status: resp.StatusCode, body: data}
}

// finish runs the Pending->terminal transition for one response. Every exit
// path clears the loading affordance and leaves the DOM reconciled; nothing
// here may escape as a panic into the event pump.
func (c *Coordinator) finish(ctx context.Context, key string, ident correlation.Identity, res webhookResult) {
	requestID := ident.RequestID
	defer c.clearLoading(key, requestID)

	// A response that lost the per-key race is stale however the call
	// turned out. Staleness is silent: no toast, no Rejected
	// classification, and the newer request's in-flight entry stays
	// untouched.
	if !c.isCurrent(key, requestID) {
		log.Printf("[regen:%s] request %s superseded by a newer request", key, requestID)
		c.emit(ctx, "response_superseded", key, requestID, "stale")
		c.trace.Log("response_superseded", key, requestID, map[string]interface{}{"reason": "stale"})
		return
	}

	// Transport failure: Rejected.
	if res.err != nil {
		c.clearInFlightIf(key, requestID)
		msg := msgUnreachable
		if errors.Is(res.err, context.DeadlineExceeded) {
			msg = msgTimeout
		}
		c.notes.Notify(dom.LevelError, msg)
		log.Printf("[regen:%s] request %s transport failure: %v", key, requestID, res.err)
		c.emit(ctx, "response_rejected", key, requestID, "transport")
		c.trace.Log("response_rejected", key, requestID, map[string]interface{}{"reason": "transport", "error": res.err.Error()})
		return
	}

	var payload map[string]interface{}
	parseErr := json.Unmarshal(res.body, &payload)

	// Non-OK status: Rejected, preferring a server-supplied error string.
	if res.status < 200 || res.status >= 300 {
		c.clearInFlightIf(key, requestID)
		msg := fmt.Sprintf("Regenerate request failed (HTTP %d).", res.status)
		if parseErr == nil {
			if serverMsg, ok := payload["error"].(string); ok && serverMsg != "" {
				msg = serverMsg
			}
		}
		c.notes.Notify(dom.LevelError, msg)
		log.Printf("[regen:%s] request %s failed with HTTP %d", key, requestID, res.status)
		c.emit(ctx, "response_rejected", key, requestID, fmt.Sprintf("http_%d", res.status))
		c.trace.Log("response_rejected", key, requestID, map[string]interface{}{"reason": "http_status", "status": res.status})
		return
	}

	// Unparsable or unusable success body: Rejected.
	if parseErr != nil {
		c.clearInFlightIf(key, requestID)
		c.notes.Notify(dom.LevelError, msgBadResponse)
		log.Printf("[regen:%s] request %s unparsable response: %v (body prefix: %.200s)", key, requestID, parseErr, string(res.body))
		c.emit(ctx, "response_rejected", key, requestID, "unparsable")
		c.trace.Log("response_rejected", key, requestID, map[string]interface{}{"reason": "unparsable"})
		return
	}
	newHeading, ok := payload[fieldNewHeading].(string)
	if !ok {
		c.clearInFlightIf(key, requestID)
		c.notes.Notify(dom.LevelError, msgBadResponse)
		log.Printf("[regen:%s] request %s response lacks %s", key, requestID, fieldNewHeading)
		c.emit(ctx, "response_rejected", key, requestID, "missing_new_heading")
		c.trace.Log("response_rejected", key, requestID, map[string]interface{}{"reason": "missing_new_heading"})
		return
	}

	// Re-check currency after parsing: a newer activation may have taken
	// the key while this response was being decoded.
	if !c.isCurrent(key, requestID) {
		log.Printf("[regen:%s] request %s superseded by a newer request", key, requestID)
		c.emit(ctx, "response_superseded", key, requestID, "stale")
		c.trace.Log("response_superseded", key, requestID, map[string]interface{}{"reason": "stale"})
		return
	}

	// Correlation: a response echoing identity fields that disagree with
	// what was sent belongs to a different logical operation. Absent fields
	// are not a mismatch.
	echo := correlation.EchoFromPayload(payload)
	if mismatch := echo.Mismatch(ident); mismatch != "" {
		log.Printf("[regen:%s] request %s discarded: %s mismatch", key, requestID, mismatch)
		c.emit(ctx, "response_superseded", key, requestID, "correlation_"+mismatch)
		c.trace.Log("response_superseded", key, requestID, map[string]interface{}{"reason": "correlation", "field": mismatch})
		return
	}

	// The anchor may have left the document while the call was in flight.
	anchor, ok := c.registry.Lookup(key)
	if !ok || !anchor.Connected() {
		c.clearInFlightIf(key, requestID)
		log.Printf("[regen:%s] request %s discarded: anchor left the document", key, requestID)
		c.emit(ctx, "response_superseded", key, requestID, "anchor_gone")
		c.trace.Log("response_superseded", key, requestID, map[string]interface{}{"reason": "anchor_gone"})
		if c.reconciler != nil {
			_ = c.reconciler.Reconcile(ctx)
		}
		return
	}

	block, ok := anchor.TargetBlock()
	var field dom.Field
	if ok {
		field, ok = block.Field()
	}
	if !ok {
		c.clearInFlightIf(key, requestID)
		c.notes.Notify(dom.LevelError, msgFieldNotFound)
		c.emit(ctx, "response_rejected", key, requestID, "field_gone")
		c.trace.Log("response_rejected", key, requestID, map[string]interface{}{"reason": "field_gone"})
		return
	}

	// Applied. Write only when the value actually changed so the host page
	// does not see spurious input events.
	current, err := field.Value()
	if err != nil || current != newHeading {
		if err := field.SetValue(newHeading); err != nil {
			c.clearInFlightIf(key, requestID)
			c.notes.Notify(dom.LevelError, msgFieldNotFound)
			log.Printf("[regen:%s] request %s apply failed: %v", key, requestID, err)
			c.emit(ctx, "response_rejected", key, requestID, "apply_failed")
			c.trace.Log("response_rejected", key, requestID, map[string]interface{}{"reason": "apply_failed"})
			return
		}
	}

	c.clearInFlightIf(key, requestID)
	log.Printf("[regen:%s] request %s applied", key, requestID)
	c.emit(ctx, "response_applied", key, requestID)
	c.trace.Log("response_applied", key, requestID, map[string]interface{}{"new_heading": newHeading})
}

func (c *Coordinator) isCurrent(key, requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.inflight[key]
	return ok && current == requestID
}

// clearInFlightIf deletes the in-flight entry only while it still belongs to
// this request; a newer activation's entry is left alone.
func (c *Coordinator) clearInFlightIf(key, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] == requestID {
		delete(c.inflight, key)
	}
}

// clearLoading best-effort resets the loading affordance on key's control.
// Skipped while a different request owns the key so a stale response does
// not blank the newer request's indicator. The anchor or its block may
// already be gone; that is fine, reconciliation owns the cleanup.
func (c *Coordinator) clearLoading(key, requestID string) {
	c.mu.Lock()
	current, pending := c.inflight[key]
	c.mu.Unlock()
	if pending && current != requestID {
		return
	}
	anchor, ok := c.registry.Lookup(key)
	if !ok || !anchor.Connected() {
		return
	}
	block, ok := anchor.TargetBlock()
	if !ok {
		return
	}
	if ctrl, ok := block.Control(); ok {
		ctrl.SetLoading(false)
	}
}

func (c *Coordinator) emit(ctx context.Context, predicate, key, requestID string, extra ...interface{}) {
	if c.sink == nil {
		return
	}
	args := append([]interface{}{key, requestID}, extra...)
	args = append(args, time.Now().UnixMilli())
	_ = c.sink.Add(ctx, []facts.Fact{{
		Predicate: predicate,
		Args:      args,
		Timestamp: time.Now(),
	}})
}
