package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/internal/types"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Ledger and sync state
// ---------------------------------------------------------------------------

// memLedger is an in-memory RunLedger and SyncStateReader with the same
// per-key exclusion and cursor rules as the database ledger.
type memLedger struct {
	mu      sync.Mutex
	seq     int
	states  map[types.SyncKey]*types.SyncState
	runs    map[string]*types.RunRecord
	running map[types.SyncKey]string

	startErr    error
	completeErr error
	listErr     error

	finalizedWithCancelledCtx bool
}

func newMemLedger() *memLedger {
	return &memLedger{
		states:  make(map[types.SyncKey]*types.SyncState),
		runs:    make(map[string]*types.RunRecord),
		running: make(map[types.SyncKey]string),
	}
}

func (l *memLedger) setCursor(key types.SyncKey, cursor time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(key).Cursor = &cursor
}

func (l *memLedger) setEnabled(key types.SyncKey, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(key).Enabled = enabled
}

func (l *memLedger) stateLocked(key types.SyncKey) *types.SyncState {
	st, ok := l.states[key]
	if !ok {
		st = &types.SyncState{AccountID: key.AccountID, Category: key.Category, Enabled: true}
		l.states[key] = st
	}
	return st
}

func (l *memLedger) cursor(key types.SyncKey) *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states[key]; ok && st.Cursor != nil {
		c := *st.Cursor
		return &c
	}
	return nil
}

func (l *memLedger) run(id string) types.RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.runs[id]
}

func (l *memLedger) runCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

func (l *memLedger) StartRun(_ context.Context, key types.SyncKey, trigger types.RunTrigger, workerID string, now time.Time) (*types.RunRecord, bool, error) {
	if l.startErr != nil {
		return nil, false, l.startErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stateLocked(key)
	if _, busy := l.running[key]; busy {
		return nil, false, nil
	}
	l.seq++
	run := &types.RunRecord{
		ID:        "run_" + strconv.Itoa(l.seq),
		AccountID: key.AccountID,
		Category:  key.Category,
		Status:    types.RunStatusRunning,
		Trigger:   trigger,
		WorkerID:  workerID,
		StartedAt: now,
	}
	l.runs[run.ID] = run
	l.running[key] = run.ID
	out := *run
	return &out, true, nil
}

func (l *memLedger) CompleteRun(ctx context.Context, run *types.RunRecord, summary types.RunSummary, finishedAt time.Time) error {
	if ctx.Err() != nil {
		l.finalizedWithCancelledCtx = true
	}
	if l.completeErr != nil {
		return l.completeErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.runs[run.ID]
	if !ok || stored.Status != types.RunStatusRunning {
		return types.NewAppError(types.ErrCodeConflictRunNotRunning, "run is no longer running", nil)
	}
	stored.Status = types.RunStatusCompleted
	stored.FinishedAt = &finishedAt
	stored.Summary = summary
	delete(l.running, run.Key())

	st := l.stateLocked(run.Key())
	if st.Cursor == nil || summary.WindowTo.After(*st.Cursor) {
		to := summary.WindowTo
		st.Cursor = &to
	}
	st.LastError = nil
	return nil
}

func (l *memLedger) FailRun(ctx context.Context, run *types.RunRecord, kind types.ErrorCode, message string, partial types.RunSummary, finishedAt time.Time) error {
	if ctx.Err() != nil {
		l.finalizedWithCancelledCtx = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.runs[run.ID]
	if !ok || stored.Status != types.RunStatusRunning {
		return types.NewAppError(types.ErrCodeConflictRunNotRunning, "run is no longer running", nil)
	}
	partial.ErrorKind = kind
	partial.ErrorMessage = message
	stored.Status = types.RunStatusFailed
	stored.FinishedAt = &finishedAt
	stored.Summary = partial
	delete(l.running, run.Key())

	lastErr := string(kind) + ": " + message
	l.stateLocked(run.Key()).LastError = &lastErr
	return nil
}

func (l *memLedger) Get(_ context.Context, key types.SyncKey) (*types.SyncState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSyncState, "sync state not found", nil)
	}
	out := *st
	return &out, nil
}

func (l *memLedger) ListForAccount(_ context.Context, accountID string) ([]types.SyncState, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.SyncState
	for _, st := range l.states {
		if st.AccountID == accountID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// ---------------------------------------------------------------------------
// Tokens, fetchers, sinks
// ---------------------------------------------------------------------------

type fakeTokens struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTokens) AccessToken(_ context.Context, accountID string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "access-token-for-" + accountID, nil
}

// scriptedFetcher serves pages[i] for the i-th call. failAt (1-based) makes
// that call return failErr instead.
type scriptedFetcher struct {
	mu      sync.Mutex
	pages   []types.Page
	failAt  int
	failErr error
	// onPage runs before each page is served.
	onPage func(page int)
	// block waits for ctx to end before serving.
	block bool

	calls      int
	windows    []types.Window
	tokens     []string
	pageTokens []string
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, accessToken string, window types.Window, pageToken string) (*types.Page, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.windows = append(f.windows, window)
	f.tokens = append(f.tokens, accessToken)
	f.pageTokens = append(f.pageTokens, pageToken)
	onPage := f.onPage
	f.mu.Unlock()

	if onPage != nil {
		onPage(call)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failAt == call {
		return nil, f.failErr
	}
	if call > len(f.pages) {
		return &types.Page{}, nil
	}
	p := f.pages[call-1]
	return &p, nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// makePages builds n pages of size items each, chained by page tokens.
func makePages(category types.APICategory, n, size int) []types.Page {
	pages := make([]types.Page, n)
	for p := range n {
		items := make([]types.RemoteItem, size)
		for i := range size {
			items[i] = types.RemoteItem{
				ExternalID: fmt.Sprintf("%s-%d-%d", category, p+1, i),
				Payload:    []byte(`{}`),
			}
		}
		pages[p].Items = items
		if p < n-1 {
			pages[p].NextPageToken = "p" + strconv.Itoa(p+2)
		}
	}
	return pages
}

type fakeRegistry struct {
	fetchers map[types.APICategory]types.RemoteFetcher
	order    []types.APICategory
}

func newFakeRegistry(fetchers map[types.APICategory]types.RemoteFetcher) *fakeRegistry {
	r := &fakeRegistry{fetchers: fetchers}
	for c := range fetchers {
		r.order = append(r.order, c)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r
}

func (r *fakeRegistry) Lookup(c types.APICategory) (types.RemoteFetcher, bool) {
	f, ok := r.fetchers[c]
	return f, ok
}

func (r *fakeRegistry) Categories() []types.APICategory {
	return append([]types.APICategory(nil), r.order...)
}

type memSink struct {
	mu     sync.Mutex
	items  map[types.SyncKey]map[string]types.RemoteItem
	err    error
	failAt int
	calls  int
}

func newMemSink() *memSink {
	return &memSink{items: make(map[types.SyncKey]map[string]types.RemoteItem)}
}

func (s *memSink) Store(_ context.Context, key types.SyncKey, items []types.RemoteItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil && (s.failAt == 0 || s.failAt == s.calls) {
		return 0, s.err
	}
	if s.items[key] == nil {
		s.items[key] = make(map[string]types.RemoteItem)
	}
	for _, it := range items {
		s.items[key][it.ExternalID] = it
	}
	return len(items), nil
}

func (s *memSink) count(key types.SyncKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[key])
}

// ---------------------------------------------------------------------------
// Notifications and metrics
// ---------------------------------------------------------------------------

type fakeNotifier struct {
	mu     sync.Mutex
	events []types.SyncEvent
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, event types.SyncEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

type runMetric struct {
	category types.APICategory
	outcome  types.RunOutcome
	items    int
}

type tickMetric struct {
	loop   string
	status types.LoopStatus
}

type fakeMetrics struct {
	mu    sync.Mutex
	runs  []runMetric
	ticks []tickMetric
}

func (m *fakeMetrics) RecordRun(_ context.Context, category types.APICategory, outcome types.RunOutcome, _ time.Duration, items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, runMetric{category, outcome, items})
}

func (m *fakeMetrics) RecordLoopTick(_ context.Context, loop string, status types.LoopStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, tickMetric{loop, status})
}

// ---------------------------------------------------------------------------
// Accounts, settings, heartbeats
// ---------------------------------------------------------------------------

type fakeAccounts struct {
	accounts []types.Account
	listErr  error
}

func (f *fakeAccounts) Get(_ context.Context, id string) (*types.Account, error) {
	for _, a := range f.accounts {
		if a.ID == id {
			out := a
			return &out, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
}

func (f *fakeAccounts) ListActive(context.Context) ([]types.Account, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []types.Account
	for _, a := range f.accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeSettings struct {
	enabled bool
	err     error
}

func (f *fakeSettings) WorkersEnabled(context.Context) (bool, error) {
	return f.enabled, f.err
}

type memHeartbeats struct {
	mu        sync.Mutex
	rows      map[string]*types.HeartbeatRecord
	ensureErr error
	starts    int
}

func newMemHeartbeats() *memHeartbeats {
	return &memHeartbeats{rows: make(map[string]*types.HeartbeatRecord)}
}

func (h *memHeartbeats) Ensure(_ context.Context, name string, defaultInterval time.Duration) (*types.HeartbeatRecord, error) {
	if h.ensureErr != nil {
		return nil, h.ensureErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	row, ok := h.rows[name]
	if !ok {
		row = &types.HeartbeatRecord{Name: name, Enabled: true, IntervalSeconds: int(defaultInterval / time.Second)}
		h.rows[name] = row
	}
	out := *row
	return &out, nil
}

func (h *memHeartbeats) Get(_ context.Context, name string) (*types.HeartbeatRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	row, ok := h.rows[name]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundLoop, "loop not found", nil)
	}
	out := *row
	return &out, nil
}

func (h *memHeartbeats) MarkStarted(_ context.Context, name string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	row := h.rows[name]
	row.LastStartedAt = &at
	row.LastStatus = types.LoopStatusRunning
	return nil
}

func (h *memHeartbeats) MarkFinished(ctx context.Context, name string, status types.LoopStatus, message string, at time.Time) error {
	if ctx.Err() != nil {
		return errors.New("finished with cancelled context")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	row := h.rows[name]
	row.LastFinishedAt = &at
	row.LastStatus = status
	if status == types.LoopStatusOK {
		row.ConsecutiveSuccesses++
		row.ConsecutiveErrors = 0
		row.LastError = nil
	} else {
		row.ConsecutiveErrors++
		row.ConsecutiveSuccesses = 0
		row.LastError = &message
	}
	return nil
}

func (h *memHeartbeats) row(name string) types.HeartbeatRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.rows[name]
}
