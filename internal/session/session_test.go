package session_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cadenzalabs/cadenza/internal/session"
	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	a := st.GetOrCreate("sess-1")
	b := st.GetOrCreate("sess-1")
	if a != b {
		t.Error("GetOrCreate returned different sessions for the same id")
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}

func TestHistoryBound(t *testing.T) {
	t.Parallel()

	st := session.NewStore(3, 30) // bound = 6
	s := st.GetOrCreate("s")

	for i := 0; i < 10; i++ {
		s.AppendTurn(model.UserTurn(fmt.Sprintf("question %d", i)))
		s.AppendTurn(model.AssistantTurn(fmt.Sprintf("answer %d", i)))
	}

	h := s.History()
	if len(h) > 6 {
		t.Fatalf("history length %d exceeds bound 6", len(h))
	}
	// Newest turns survive.
	if got := h[len(h)-1].Text; got != "answer 9" {
		t.Errorf("last turn = %q, want %q", got, "answer 9")
	}
}

func TestTruncationKeepsToolPairsTogether(t *testing.T) {
	t.Parallel()

	st := session.NewStore(2, 30) // bound = 4
	s := st.GetOrCreate("s")

	calls := []model.ToolCallRequest{{ID: "tu_1", Name: "repositories.list", Input: map[string]any{}}}
	s.AppendTurn(model.UserTurn("list my repos"))
	s.AppendTurn(model.AssistantToolCallsTurn(calls))
	s.AppendTurn(model.ToolTurn("tu_1", "repositories.list", `{"repositories":[]}`))
	s.AppendTurn(model.AssistantTurn("you have none"))
	// Pushes over the bound; truncation must not orphan the tool turn.
	s.AppendTurn(model.UserTurn("thanks"))
	s.AppendTurn(model.AssistantTurn("anytime"))

	for _, h := range [][]model.Turn{s.History()} {
		if len(h) > 4 {
			t.Fatalf("history length %d exceeds bound 4", len(h))
		}
		assertNoOrphanToolTurns(t, h)
	}
}

func TestTruncationDropsToolGroupAsOne(t *testing.T) {
	t.Parallel()

	st := session.NewStore(2, 30) // bound = 4
	s := st.GetOrCreate("s")

	calls := []model.ToolCallRequest{
		{ID: "tu_1", Name: "agent.status", Input: map[string]any{"id": "a"}},
		{ID: "tu_2", Name: "agent.status", Input: map[string]any{"id": "b"}},
	}
	s.AppendTurn(model.AssistantToolCallsTurn(calls))
	s.AppendTurn(model.ToolTurn("tu_1", "agent.status", "{}"))
	s.AppendTurn(model.ToolTurn("tu_2", "agent.status", "{}"))
	s.AppendTurn(model.AssistantTurn("both running"))
	s.AppendTurn(model.UserTurn("ok"))

	h := s.History()
	if len(h) > 4 {
		t.Fatalf("history length %d exceeds bound 4", len(h))
	}
	assertNoOrphanToolTurns(t, h)
}

func assertNoOrphanToolTurns(t *testing.T, h []model.Turn) {
	t.Helper()
	known := map[string]bool{}
	for _, turn := range h {
		for _, c := range turn.ToolCalls {
			known[c.ID] = true
		}
		if turn.Role == model.RoleTool && !known[turn.ToolUseID] {
			t.Errorf("orphan tool turn %q without its assistant tool-calls turn", turn.ToolUseID)
		}
	}
}

func TestTraceRing(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	s := st.GetOrCreate("s")

	for i := 0; i < 30; i++ {
		s.RecordTrace(fmt.Sprintf("step %d", i))
	}
	trace := s.Trace()
	if len(trace) != 24 {
		t.Fatalf("trace length = %d, want 24", len(trace))
	}
	if trace[0] != "step 6" || trace[23] != "step 29" {
		t.Errorf("trace window = [%s … %s], want [step 6 … step 29]", trace[0], trace[23])
	}
}

func TestNextTranscriptClearsTrace(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	s := st.GetOrCreate("s")

	s.RecordTrace("old")
	if n := s.NextTranscript(); n != 1 {
		t.Errorf("NextTranscript() = %d, want 1", n)
	}
	if len(s.Trace()) != 0 {
		t.Error("trace not cleared on new transcript")
	}
	if n := s.NextTranscript(); n != 2 {
		t.Errorf("NextTranscript() = %d, want 2", n)
	}
}

func TestGitHubTokenWriteOnce(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	s := st.GetOrCreate("s")

	s.SetGitHubToken("tok-first")
	s.SetGitHubToken("tok-second")
	if got := s.GitHubToken(); got != "tok-first" {
		t.Errorf("GitHubToken() = %q, want the first write", got)
	}
}

func TestResolverOneShot(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	s := st.GetOrCreate("s")

	ch := s.RegisterResolver("call-1")
	if !s.Resolve("call-1", session.ToolOutcome{Result: `"ok"`}) {
		t.Fatal("Resolve() = false for registered resolver")
	}
	// Second delivery is a silent drop.
	if s.Resolve("call-1", session.ToolOutcome{Result: `"dup"`}) {
		t.Fatal("Resolve() = true for already-completed resolver")
	}

	select {
	case got := <-ch:
		if got.Result != `"ok"` {
			t.Errorf("outcome = %+v, want first delivery", got)
		}
	case <-time.After(time.Second):
		t.Fatal("resolver channel never delivered")
	}
}

func TestResolveUnknownCallID(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	s := st.GetOrCreate("s")
	if s.Resolve("never-registered", session.ToolOutcome{Result: "{}"}) {
		t.Error("Resolve() = true for unknown call id")
	}
}

func TestPendingLifecycle(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	s := st.GetOrCreate("s")

	s.AddPending(session.PendingCall{CallID: "c1", ToolName: "agent.list", EmittedAt: time.Now()})
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", s.PendingCount())
	}
	call, ok := s.RemovePending("c1")
	if !ok || call.ToolName != "agent.list" {
		t.Fatalf("RemovePending() = %+v, %v", call, ok)
	}
	if _, ok := s.RemovePending("c1"); ok {
		t.Error("RemovePending() found an already-removed call")
	}
}

func TestEvictReleasesResolvers(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 30)
	s := st.GetOrCreate("s")
	ch := s.RegisterResolver("c1")

	st.Evict("s")

	select {
	case got := <-ch:
		if got.Err != session.ErrSessionEvicted {
			t.Errorf("outcome error = %q, want %q", got.Err, session.ErrSessionEvicted)
		}
	case <-time.After(time.Second):
		t.Fatal("eviction did not release the resolver")
	}
	if st.Len() != 0 {
		t.Errorf("Len() = %d after eviction, want 0", st.Len())
	}
}

func TestNewRateLimiterUsesConfiguredCap(t *testing.T) {
	t.Parallel()

	st := session.NewStore(20, 2)
	rl := st.NewRateLimiter()
	now := time.Now()
	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatal("limiter denied events under the cap")
	}
	if rl.Allow(now) {
		t.Fatal("limiter admitted event over the cap")
	}
}

func TestSessionGaugeTracksLifecycle(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	gauge, err := mp.Meter("session_test").Int64UpDownCounter("live_sessions")
	if err != nil {
		t.Fatalf("Int64UpDownCounter: %v", err)
	}

	st := session.NewStore(20, 0, session.WithSessionGauge(gauge))
	st.GetOrCreate("a")
	st.GetOrCreate("b")
	st.GetOrCreate("a") // existing session, no increment
	st.Evict("b")
	st.Evict("missing") // absent session, no decrement

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var value int64
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "live_sessions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("gauge data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				value += dp.Value
			}
			found = true
		}
	}
	if !found {
		t.Fatal("live_sessions not collected")
	}
	if value != 1 {
		t.Errorf("live sessions = %d, want 1", value)
	}
}
