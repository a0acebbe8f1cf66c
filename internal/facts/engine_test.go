package facts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"regenbridge/internal/config"
)

func newTestEngine(t *testing.T, bufferLimit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.FactsConfig{
		Enable:          true,
		FactBufferLimit: bufferLimit,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func lifecycleFact(predicate, key string, extra ...interface{}) Fact {
	args := append([]interface{}{key}, extra...)
	args = append(args, time.Now().UnixMilli())
	return Fact{Predicate: predicate, Args: args, Timestamp: time.Now()}
}

func TestEngineAddAndRead(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 100)

	err := engine.Add(ctx, []Fact{
		lifecycleFact("control_created", "sec-1"),
		lifecycleFact("request_sent", "sec-1", "req-1"),
		lifecycleFact("response_applied", "sec-1", "req-1"),
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if engine.Len() != 3 {
		t.Errorf("Len = %d, want 3", engine.Len())
	}

	sent := engine.ByPredicate("request_sent")
	if len(sent) != 1 {
		t.Fatalf("request_sent facts = %d, want 1", len(sent))
	}
	if sent[0].Args[0] != "sec-1" || sent[0].Args[1] != "req-1" {
		t.Errorf("request_sent args = %v", sent[0].Args)
	}

	if got := engine.ByPredicate("response_rejected"); len(got) != 0 {
		t.Errorf("unexpected facts for absent predicate: %v", got)
	}
}

func TestEngineBufferTrim(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 3)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("sec-%d", i)
		if err := engine.Add(ctx, []Fact{lifecycleFact("control_created", key)}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if engine.Len() != 3 {
		t.Errorf("Len = %d after trim, want 3", engine.Len())
	}

	// The index must survive the trim: only the newest three keys resolve.
	remaining := engine.ByPredicate("control_created")
	if len(remaining) != 3 {
		t.Fatalf("indexed facts = %d, want 3", len(remaining))
	}
	if remaining[0].Args[0] != "sec-2" {
		t.Errorf("oldest surviving fact = %v, want sec-2", remaining[0].Args)
	}
}

func TestEngineSince(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 100)

	old := Fact{
		Predicate: "request_sent",
		Args:      []interface{}{"sec-1", "req-0", int64(0)},
		Timestamp: time.Now().Add(-time.Hour),
	}
	if err := engine.Add(ctx, []Fact{old, lifecycleFact("request_sent", "sec-1", "req-1")}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	recent := engine.Since("request_sent", time.Now().Add(-time.Minute))
	if len(recent) != 1 || recent[0].Args[1] != "req-1" {
		t.Errorf("Since returned %v, want only the recent fact", recent)
	}

	all := engine.Since("request_sent", time.Time{})
	if len(all) != 2 {
		t.Errorf("zero time should return everything, got %d", len(all))
	}
}

func TestEngineQuery(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 100)

	err := engine.Add(ctx, []Fact{
		lifecycleFact("response_rejected", "sec-1", "req-1", "http_429"),
		lifecycleFact("response_rejected", "sec-2", "req-2", "transport"),
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	results, err := engine.Query(ctx, "response_rejected(Key, Req, Reason, Ts).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	reasons := map[string]bool{}
	for _, r := range results {
		reason, ok := r["Reason"].(string)
		if !ok {
			t.Fatalf("Reason binding missing or non-string: %v", r)
		}
		reasons[reason] = true
	}
	if !reasons["http_429"] || !reasons["transport"] {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.FactsConfig{Enable: false})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	if err := engine.Add(ctx, []Fact{lifecycleFact("request_sent", "sec-1", "req-1")}); err != nil {
		t.Errorf("disabled Add should no-op, got %v", err)
	}
	if engine.Len() != 0 {
		t.Errorf("disabled engine buffered %d facts", engine.Len())
	}
	if _, err := engine.Query(ctx, "request_sent(K, R, T)."); err == nil {
		t.Error("disabled Query should fail")
	}
}

func TestEngineAddRule(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, 100)

	rule := `
Decl response_rejected(Key, Req, Reason, Ts).
Decl flaky(Key).

flaky(Key) :- response_rejected(Key, _, _, _).
`
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	err := engine.Add(ctx, []Fact{lifecycleFact("response_rejected", "sec-1", "req-1", "transport")})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	results, err := engine.Query(ctx, "flaky(Key).")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected flaky/1 to derive from the rejected response")
	}
	if results[0]["Key"] != "sec-1" {
		t.Errorf("Key binding = %v", results[0]["Key"])
	}
}
