// Package session holds the in-memory per-session state of the conductor:
// bounded conversation history, pending tool-call registry, one-shot
// tool-result resolvers, and the transcript trace ring.
//
// Sessions are created lazily by the [Store] and survive socket reconnects.
// Nothing in this package is persisted.
package session

import (
	"sync"
	"time"

	"github.com/cadenzalabs/cadenza/pkg/provider/model"
)

// traceCapacity bounds the rolling transcript trace ring.
const traceCapacity = 24

// PendingCall tracks a tool call dispatched to the client and not yet
// answered.
type PendingCall struct {
	// CallID is the server-generated dispatch id, distinct from the
	// provider's tool-use id.
	CallID string

	// ToolName is the tool the client was asked to run.
	ToolName string

	// EmittedAt is when the tool.call envelope was emitted.
	EmittedAt time.Time
}

// ToolOutcome is what a resolver is completed with: either a JSON-encoded
// result or an error string, never both.
type ToolOutcome struct {
	// Result is the JSON-encoded tool result. Empty when Err is set.
	Result string

	// Err describes why no result is available, e.g. "tool_result_timeout".
	Err string
}

// Session is all conductor state keyed by one session id. All methods are
// safe for concurrent use; in practice a session is driven by the single
// goroutine owning its socket plus its suspended conductor loop.
type Session struct {
	// ID is the opaque session identifier. Immutable.
	ID string

	maxHistory int

	mu              sync.Mutex
	history         []model.Turn
	pending         map[string]PendingCall
	resolvers       map[string]chan ToolOutcome
	trace           []string
	transcriptCount int
	githubToken     string

	workMu        sync.Mutex
	workQueue     []func()
	workerRunning bool
	workDone      sync.WaitGroup
}

func newSession(id string, maxHistory int) *Session {
	return &Session{
		ID:         id,
		maxHistory: maxHistory,
		pending:    make(map[string]PendingCall),
		resolvers:  make(map[string]chan ToolOutcome),
	}
}

// ─── History ────────────────────────────────────────────────────────────────

// AppendTurn pushes a turn and truncates from the front until the history
// fits the bound. Truncation drops whole conversation groups so a tool turn
// is never separated from the assistant tool-calls turn that introduced it.
func (s *Session) AppendTurn(turn model.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, turn)
	for s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[s.leadingGroupLen():]
	}
}

// leadingGroupLen returns how many leading turns form one droppable group.
// Must be called with s.mu held and a non-empty history.
func (s *Session) leadingGroupLen() int {
	head := s.history[0]
	switch {
	case head.Role == model.RoleAssistant && len(head.ToolCalls) > 0:
		// The assistant tool-calls turn owns every tool turn that follows.
		n := 1
		for n < len(s.history) && s.history[n].Role == model.RoleTool {
			n++
		}
		return n
	case head.Role == model.RoleUser:
		// Drop the user turn with its direct assistant text answer, if any.
		if len(s.history) > 1 &&
			s.history[1].Role == model.RoleAssistant &&
			len(s.history[1].ToolCalls) == 0 {
			return 2
		}
		return 1
	default:
		return 1
	}
}

// History returns a snapshot of the conversation history.
func (s *Session) History() []model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// ─── Transcript bookkeeping ─────────────────────────────────────────────────

// NextTranscript increments the monotonic transcript counter and clears the
// trace ring for the new turn.
func (s *Session) NextTranscript() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptCount++
	s.trace = s.trace[:0]
	return s.transcriptCount
}

// TranscriptCount returns the number of user transcripts processed.
func (s *Session) TranscriptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptCount
}

// RecordTrace appends a step marker to the rolling trace ring.
func (s *Session) RecordTrace(marker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append(s.trace, marker)
	if len(s.trace) > traceCapacity {
		s.trace = s.trace[len(s.trace)-traceCapacity:]
	}
}

// Trace returns a snapshot of the trace ring.
func (s *Session) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.trace))
	copy(out, s.trace)
	return out
}

// ─── Credentials ────────────────────────────────────────────────────────────

// SetGitHubToken stores the opaque token from session start. Write-once:
// later calls are ignored. The token must never be logged.
func (s *Session) SetGitHubToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.githubToken == "" {
		s.githubToken = token
	}
}

// GitHubToken returns the stored opaque token, or empty.
func (s *Session) GitHubToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.githubToken
}

// ─── Pending tool calls and resolvers ───────────────────────────────────────

// AddPending records a dispatched tool call.
func (s *Session) AddPending(call PendingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[call.CallID] = call
}

// RemovePending removes and returns the pending record for callID.
func (s *Session) RemovePending(callID string) (PendingCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	return call, ok
}

// PendingCount returns the number of unanswered tool calls.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RegisterResolver installs a one-shot resolver for callID and returns the
// channel it completes on. The channel is buffered so delivery never blocks
// the tool-result path.
func (s *Session) RegisterResolver(callID string) <-chan ToolOutcome {
	ch := make(chan ToolOutcome, 1)
	s.mu.Lock()
	s.resolvers[callID] = ch
	s.mu.Unlock()
	return ch
}

// Resolve completes the resolver registered for callID, removing it first
// so a second delivery is a no-op. Reports whether a resolver was waiting.
func (s *Session) Resolve(callID string, outcome ToolOutcome) bool {
	s.mu.Lock()
	ch, ok := s.resolvers[callID]
	if ok {
		delete(s.resolvers, callID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome
	return true
}

// RemoveResolver drops the resolver for callID without completing it.
// Used by the timeout path after the timer has fired.
func (s *Session) RemoveResolver(callID string) {
	s.mu.Lock()
	delete(s.resolvers, callID)
	s.mu.Unlock()
}

// ─── Serialized work ────────────────────────────────────────────────────────

// Dispatch enqueues a task on the session's single worker goroutine. Tasks
// run strictly in enqueue order, one at a time, so conversation turns for a
// session never interleave. The caller's goroutine returns immediately,
// which keeps the socket read loop free to deliver tool results while a
// task is suspended waiting for one.
func (s *Session) Dispatch(task func()) {
	s.workDone.Add(1)
	s.workMu.Lock()
	s.workQueue = append(s.workQueue, task)
	if !s.workerRunning {
		s.workerRunning = true
		go s.drainWork()
	}
	s.workMu.Unlock()
}

// drainWork runs queued tasks until the queue empties, then exits so idle
// sessions hold no goroutine.
func (s *Session) drainWork() {
	for {
		s.workMu.Lock()
		if len(s.workQueue) == 0 {
			s.workerRunning = false
			s.workMu.Unlock()
			return
		}
		task := s.workQueue[0]
		s.workQueue = s.workQueue[1:]
		s.workMu.Unlock()

		s.runTask(task)
	}
}

func (s *Session) runTask(task func()) {
	defer s.workDone.Done()
	task()
}

// WaitIdle blocks until every task dispatched so far has finished. Test
// hook; production code never waits on the worker.
func (s *Session) WaitIdle() {
	s.workDone.Wait()
}

// failAllResolvers completes every registered resolver with the given
// error and clears the registry. Called on session eviction.
func (s *Session) failAllResolvers(errText string) {
	s.mu.Lock()
	resolvers := s.resolvers
	s.resolvers = make(map[string]chan ToolOutcome)
	s.mu.Unlock()
	for _, ch := range resolvers {
		ch <- ToolOutcome{Err: errText}
	}
}
