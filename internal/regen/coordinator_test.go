package regen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// pipeline bundles the collaborators most coordinator tests need.
type pipeline struct {
	store  *ConfigStore
	reg    *AnchorRegistry
	rec    *Reconciler
	notes  *fakeNotifier
	sink   *captureSink
	coord  *Coordinator
	doc    *fakeDoc
	anchor *fakeAnchor
}

// newPipeline wires a coordinator against a single registered anchor whose
// field holds value. webhook may be empty to exercise the unset path.
func newPipeline(t *testing.T, webhook, value string) *pipeline {
	t.Helper()

	doc := &fakeDoc{}
	anchor := newFakeAnchor("sec-1", value)
	doc.setAnchors(anchor)

	store := NewConfigStore()
	store.Seed(Config{
		Webhook: webhook,
		Body:    map[string]interface{}{"project": "demo"},
	})
	reg := NewAnchorRegistry()
	rec := NewReconciler(doc, reg, nil)
	notes := &fakeNotifier{}
	sink := &captureSink{}
	coord := NewCoordinator(store, reg, rec, notes, CoordinatorOptions{Facts: sink})

	if err := rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("initial reconcile failed: %v", err)
	}
	return &pipeline{
		store: store, reg: reg, rec: rec,
		notes: notes, sink: sink, coord: coord,
		doc: doc, anchor: anchor,
	}
}

// decodeWebhookBody unwraps the one-element envelope and returns its body.
func decodeWebhookBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var env []map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		t.Errorf("undecodable webhook envelope: %v", err)
		return nil
	}
	if len(env) != 1 {
		t.Errorf("envelope length = %d, want 1", len(env))
		return nil
	}
	body, _ := env[0]["body"].(map[string]interface{})
	return body
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not settle")
	}
}

// activate triggers the pipeline's anchor and blocks until the lifecycle
// settles. Reports whether a webhook request was actually issued.
func (p *pipeline) activate(t *testing.T) bool {
	t.Helper()
	done, issued := p.coord.Activate(context.Background(), p.anchor.Meta())
	waitDone(t, done)
	return issued
}

func TestActivateAppliesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeWebhookBody(t, r)
		if body["heading_to_regenerate"] != "Old Heading" {
			t.Errorf("payload heading = %v", body["heading_to_regenerate"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"new_heading": "Fresh Heading",
			"request_id":  body["request_id"],
			"heading_id":  body["heading_id"],
		})
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	if !p.activate(t) {
		t.Fatal("expected a request to be issued")
	}

	if got := p.anchor.block.field.current(); got != "Fresh Heading" {
		t.Errorf("field = %q, want applied heading", got)
	}
	if n := p.anchor.block.field.writeCount(); n != 1 {
		t.Errorf("field writes = %d, want exactly 1", n)
	}
	if msgs := p.notes.messages(); len(msgs) != 0 {
		t.Errorf("unexpected notifications: %v", msgs)
	}
	if len(p.coord.InFlight()) != 0 {
		t.Errorf("in-flight not cleared: %v", p.coord.InFlight())
	}
	if len(p.sink.byPredicate("response_applied")) != 1 {
		t.Error("expected one response_applied fact")
	}
	ctrl := p.anchor.block.controlFake()
	if ctrl.isLoading() {
		t.Error("loading affordance not cleared")
	}
	if len(ctrl.loadingCalls) != 2 || !ctrl.loadingCalls[0] || ctrl.loadingCalls[1] {
		t.Errorf("loading transitions = %v, want [true false]", ctrl.loadingCalls)
	}
}

func TestActivateSkipsRedundantWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"new_heading": "Same Heading"})
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Same Heading")
	p.activate(t)

	if n := p.anchor.block.field.writeCount(); n != 0 {
		t.Errorf("field writes = %d, want 0 when value already matches", n)
	}
	if len(p.sink.byPredicate("response_applied")) != 1 {
		t.Error("expected response_applied even without a write")
	}
}

func TestActivateWebhookUnset(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := newPipeline(t, "", "Old Heading")
	if p.activate(t) {
		t.Fatal("no request should be issued without a webhook")
	}

	msgs := p.notes.messages()
	if len(msgs) != 1 || msgs[0] != "Quick regenerate webhook is not configured." {
		t.Errorf("notifications = %v, want the exact webhook-unset message", msgs)
	}
	if calls.Load() != 0 {
		t.Errorf("webhook called %d times despite unset URL", calls.Load())
	}
	if len(p.sink.byPredicate("request_sent")) != 0 {
		t.Error("request_sent emitted despite unset webhook")
	}

	// Whitespace-only is unset too.
	p.store.Update(map[string]interface{}{"webhook": "   "})
	p.activate(t)
	if calls.Load() != 0 {
		t.Error("webhook called for whitespace-only URL")
	}
}

func TestActivateTemplateUnset(t *testing.T) {
	p := newPipeline(t, "https://hooks.example.com/regen", "Old Heading")
	p.store.Update(map[string]interface{}{"body": nil})

	if p.activate(t) {
		t.Fatal("no request should be issued without a body template")
	}

	msgs := p.notes.messages()
	if len(msgs) != 1 || msgs[0] != "Quick regenerate payload template is not configured." {
		t.Errorf("notifications = %v", msgs)
	}
}

func TestActivateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "rate limited"})
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	p.activate(t)

	msgs := p.notes.messages()
	if len(msgs) != 1 || msgs[0] != "rate limited" {
		t.Errorf("notifications = %v, want the server-supplied error string", msgs)
	}
	if got := p.anchor.block.field.current(); got != "Old Heading" {
		t.Errorf("field = %q, want unchanged", got)
	}
	rejected := p.sink.byPredicate("response_rejected")
	if len(rejected) != 1 || rejected[0].Args[2] != "http_429" {
		t.Errorf("rejected facts = %v", rejected)
	}
	if len(p.coord.InFlight()) != 0 {
		t.Error("in-flight entry not cleared after rejection")
	}
}

func TestActivateServerErrorWithoutMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	p.activate(t)

	msgs := p.notes.messages()
	if len(msgs) != 1 || msgs[0] != "Regenerate request failed (HTTP 500)." {
		t.Errorf("notifications = %v", msgs)
	}
}

func TestActivateUnreachableWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := newPipeline(t, url, "Old Heading")
	p.activate(t)

	msgs := p.notes.messages()
	if len(msgs) != 1 || msgs[0] != "Regenerate service is unreachable." {
		t.Errorf("notifications = %v", msgs)
	}
	if p.anchor.block.controlFake().isLoading() {
		t.Error("loading affordance not cleared after transport failure")
	}
}

func TestActivateUnparsableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	p.activate(t)

	msgs := p.notes.messages()
	if len(msgs) != 1 || msgs[0] != "Regenerate service returned an unexpected response." {
		t.Errorf("notifications = %v", msgs)
	}
	if got := p.anchor.block.field.current(); got != "Old Heading" {
		t.Errorf("field = %q, want unchanged", got)
	}
}

func TestActivateCorrelationMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeWebhookBody(t, r)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"new_heading": "Wrong Section Heading",
			"request_id":  body["request_id"],
			"heading_id":  "h-some-other-section",
		})
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	p.activate(t)

	// A mismatched echo is a silent discard, not a user-facing error.
	if msgs := p.notes.messages(); len(msgs) != 0 {
		t.Errorf("unexpected notifications: %v", msgs)
	}
	if got := p.anchor.block.field.current(); got != "Old Heading" {
		t.Errorf("field = %q, want unchanged", got)
	}
	superseded := p.sink.byPredicate("response_superseded")
	if len(superseded) != 1 || superseded[0].Args[2] != "correlation_heading_id" {
		t.Errorf("superseded facts = %v", superseded)
	}
	if p.anchor.block.controlFake().isLoading() {
		t.Error("loading affordance not cleared after discard")
	}
}

func TestActivateAbsentEchoIsNotMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Minimal response: no echo fields at all.
		json.NewEncoder(w).Encode(map[string]interface{}{"new_heading": "Fresh Heading"})
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	p.activate(t)

	if got := p.anchor.block.field.current(); got != "Fresh Heading" {
		t.Errorf("field = %q, want applied despite absent echo fields", got)
	}
}

func TestActivateSupersededByNewerRequest(t *testing.T) {
	release := make(chan struct{})
	var p *pipeline
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeWebhookBody(t, r)
		first := p.sink.byPredicate("request_sent")[0].Args[1].(string)
		heading := "Second Heading"
		if body["request_id"] == first {
			<-release
			heading = "First Heading"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"new_heading": heading,
			"request_id":  body["request_id"],
		})
	}))
	defer srv.Close()

	p = newPipeline(t, srv.URL, "Old Heading")
	ctx := context.Background()

	done1, _ := p.coord.Activate(ctx, p.anchor.Meta())
	// Wait until the first request is issued before the second replaces it.
	deadline := time.Now().Add(5 * time.Second)
	for len(p.sink.byPredicate("request_sent")) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first request never issued")
		}
		time.Sleep(time.Millisecond)
	}
	done2, _ := p.coord.Activate(ctx, p.anchor.Meta())

	waitDone(t, done2)
	close(release)
	waitDone(t, done1)

	if got := p.anchor.block.field.current(); got != "Second Heading" {
		t.Errorf("field = %q, want the newer request's heading", got)
	}
	if n := p.anchor.block.field.writeCount(); n != 1 {
		t.Errorf("field writes = %d, want 1 (stale response discarded)", n)
	}
	superseded := p.sink.byPredicate("response_superseded")
	if len(superseded) != 1 || superseded[0].Args[2] != "stale" {
		t.Errorf("superseded facts = %v", superseded)
	}
	if msgs := p.notes.messages(); len(msgs) != 0 {
		t.Errorf("stale discard should be silent, got %v", msgs)
	}
}

func TestActivateStaleFailureStaysSilent(t *testing.T) {
	release := make(chan struct{})
	var p *pipeline
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeWebhookBody(t, r)
		first := p.sink.byPredicate("request_sent")[0].Args[1].(string)
		if body["request_id"] == first {
			<-release
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{"error": "boom from stale request"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"new_heading": "Second Heading",
			"request_id":  body["request_id"],
		})
	}))
	defer srv.Close()

	p = newPipeline(t, srv.URL, "Old Heading")
	ctx := context.Background()

	done1, _ := p.coord.Activate(ctx, p.anchor.Meta())
	deadline := time.Now().Add(5 * time.Second)
	for len(p.sink.byPredicate("request_sent")) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first request never issued")
		}
		time.Sleep(time.Millisecond)
	}
	done2, _ := p.coord.Activate(ctx, p.anchor.Meta())

	waitDone(t, done2)
	close(release)
	waitDone(t, done1)

	// The failure belongs to a superseded request. The user never hears
	// about it and the applied result stands.
	if msgs := p.notes.messages(); len(msgs) != 0 {
		t.Errorf("stale failure surfaced to the user: %v", msgs)
	}
	if got := p.anchor.block.field.current(); got != "Second Heading" {
		t.Errorf("field = %q, want the newer request's heading", got)
	}
	if rejected := p.sink.byPredicate("response_rejected"); len(rejected) != 0 {
		t.Errorf("stale failure classified as Rejected: %v", rejected)
	}
	superseded := p.sink.byPredicate("response_superseded")
	if len(superseded) != 1 || superseded[0].Args[2] != "stale" {
		t.Errorf("superseded facts = %v", superseded)
	}
	if p.anchor.block.controlFake().isLoading() {
		t.Error("loading affordance left set")
	}
}

func TestActivateAnchorRemovedBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		json.NewEncoder(w).Encode(map[string]interface{}{"new_heading": "Fresh Heading"})
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	done, _ := p.coord.Activate(context.Background(), p.anchor.Meta())

	// The host drops the section while the webhook call is in flight.
	p.anchor.disconnect()
	p.doc.setAnchors()
	close(release)
	waitDone(t, done)

	if got := p.anchor.block.field.current(); got != "Old Heading" {
		t.Errorf("field = %q, want untouched after anchor removal", got)
	}
	superseded := p.sink.byPredicate("response_superseded")
	if len(superseded) != 1 || superseded[0].Args[2] != "anchor_gone" {
		t.Errorf("superseded facts = %v", superseded)
	}
	if msgs := p.notes.messages(); len(msgs) != 0 {
		t.Errorf("anchor removal should discard silently, got %v", msgs)
	}
}

func TestActivateLockedAnchorIsSilent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	p.anchor.mu.Lock()
	p.anchor.locked = true
	p.anchor.mu.Unlock()

	if p.activate(t) {
		t.Fatal("locked anchor should not issue a request")
	}

	if calls.Load() != 0 {
		t.Error("locked anchor still issued a webhook call")
	}
	if msgs := p.notes.messages(); len(msgs) != 0 {
		t.Errorf("locked anchor should be a silent no-op, got %v", msgs)
	}
}

func TestActivateUsesFreshAnchorMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeWebhookBody(t, r)
		if body["section_path"] != "Doc > Renamed" {
			t.Errorf("section_path = %v, want the anchor's current value", body["section_path"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"new_heading": "Fresh Heading"})
	}))
	defer srv.Close()

	p := newPipeline(t, srv.URL, "Old Heading")
	staleMeta := p.anchor.Meta()

	// The host re-rendered since the control's metadata was written.
	p.anchor.mu.Lock()
	p.anchor.meta.SectionPath = "Doc > Renamed"
	p.anchor.mu.Unlock()

	done, _ := p.coord.Activate(context.Background(), staleMeta)
	waitDone(t, done)
}
