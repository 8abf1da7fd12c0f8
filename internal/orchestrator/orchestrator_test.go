package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/faults"
	"github.com/draftforge/webintel/internal/hash/sha256"
	"github.com/draftforge/webintel/internal/intel"
	"github.com/draftforge/webintel/internal/ledger"
	memorypublisher "github.com/draftforge/webintel/internal/publisher/memory"
	"github.com/draftforge/webintel/internal/session"
	memorysnapshot "github.com/draftforge/webintel/internal/snapshot/memory"
	"github.com/draftforge/webintel/internal/storage/memory"
	"github.com/draftforge/webintel/internal/validate"
)

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

// fakeBackend serves scripted page results per URL; unscripted URLs succeed
// with rich content. When block is set, Scrape waits for it or the context.
type fakeBackend struct {
	id         intel.BackendID
	capability int
	discovered []string
	block      chan struct{}

	mu      sync.Mutex
	scripts map[string][]intel.PageResult
	calls   map[string]int
}

func newFakeBackend(id intel.BackendID, capability int, discovered ...string) *fakeBackend {
	return &fakeBackend{
		id:         id,
		capability: capability,
		discovered: discovered,
		scripts:    make(map[string][]intel.PageResult),
		calls:      make(map[string]int),
	}
}

func (b *fakeBackend) ID() intel.BackendID { return b.id }
func (b *fakeBackend) Capability() int     { return b.capability }

func (b *fakeBackend) DiscoverURLs(_ context.Context, _ string) ([]string, error) {
	return b.discovered, nil
}

func (b *fakeBackend) Scrape(ctx context.Context, urls []string) ([]intel.PageResult, error) {
	if b.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.block:
		}
	}
	out := make([]intel.PageResult, 0, len(urls))
	for _, u := range urls {
		b.mu.Lock()
		b.calls[u]++
		var page intel.PageResult
		if script := b.scripts[u]; len(script) > 0 {
			page = script[0]
			if len(script) > 1 {
				b.scripts[u] = script[1:]
			}
		} else {
			page = richPage(u)
		}
		b.mu.Unlock()
		page.URL = u
		page.BackendID = b.id
		out = append(out, page)
	}
	return out, nil
}

func (b *fakeBackend) callCount(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[url]
}

func (b *fakeBackend) script(url string, pages ...intel.PageResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[url] = pages
}

func richPage(u string) intel.PageResult {
	return intel.PageResult{
		URL:     u,
		Content: strings.Repeat("Plenty of well rendered storefront content. ", 20),
		HTML:    `<html><body><nav><a href="/">home</a></nav><main><p>goods</p></main></body></html>`,
		Images:  []intel.ImageRef{{Src: "hero.png"}},
		Links:   []string{"https://example.com/shop"},
		Success: true,
	}
}

func thinPage(u string) intel.PageResult {
	return intel.PageResult{URL: u, Content: "hardly anything", HTML: "<html><body></body></html>", Success: true}
}

func failedPage(u string, status int) intel.PageResult {
	return intel.PageResult{URL: u, StatusCode: status, Success: false, Error: fmt.Sprintf("http %d: %s", status, u)}
}

type harness struct {
	orch      *Orchestrator
	store     intel.SessionStore
	billing   *memory.BillingStore
	runs      *memory.RunStore
	snapshots *memorysnapshot.Store
	publisher *memorypublisher.Publisher
	sessions  *session.Manager
}

func newHarness(t *testing.T, backends ...intel.Backend) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewSessionStore(), backends...)
}

func newHarnessWithStore(t *testing.T, store intel.SessionStore, backends ...intel.Backend) *harness {
	t.Helper()

	billing := memory.NewBillingStore()
	runs := memory.NewRunStore()
	snapshots := memorysnapshot.NewStore()
	publisher := memorypublisher.New()
	idGen := &seqIDGen{}
	clock := &fixedClock{now: time.Unix(1700000000, 0).UTC()}

	sessions := session.New(session.Config{}, store, idGen, clock, zap.NewNop())
	validator := validate.New(validate.Config{}, zap.NewNop())
	creditLedger := ledger.New(ledger.Config{}, billing, zap.NewNop())

	orch, err := New(
		Config{Concurrency: 4, MaxRetries: 2, RetryDelay: time.Millisecond, Fallback: faults.FallbackSkip},
		backends,
		validator,
		creditLedger,
		sessions,
		runs,
		snapshots,
		publisher,
		sha256.New(),
		idGen,
		clock,
		zap.NewNop(),
	)
	require.NoError(t, err)

	return &harness{
		orch:      orch,
		store:     store,
		billing:   billing,
		runs:      runs,
		snapshots: snapshots,
		publisher: publisher,
		sessions:  sessions,
	}
}

func urlsFor(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://example.com/page-%d", i)
	}
	return out
}

func TestRun_HappyPath(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(intel.BackendStatic, 0, urlsFor(3)...)
	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, intel.PhaseComplete, report.Phase)
	require.Equal(t, 3, report.PagesScraped)
	require.Zero(t, report.Enhanced)
	require.Empty(t, report.Skipped)
	require.False(t, report.PartialSuccess)
	require.Equal(t, 3, report.CreditsSpent)

	sess, err := h.store.GetSession(context.Background(), report.SessionID)
	require.NoError(t, err)
	require.Equal(t, intel.PhaseComplete, sess.Phase)
	require.Len(t, sess.Merged.Pages, 3)
	require.Equal(t, 3, sess.Merged.Stats.TotalPages)
	require.Equal(t, 3, sess.Merged.Stats.CreditsSpent)

	// Raw payloads archived and the finalized event published.
	for _, page := range sess.Merged.Pages {
		require.NotEmpty(t, page.SnapshotURI)
	}
	require.Len(t, h.publisher.Messages(), 1)
	require.Equal(t, "session.finalized", h.publisher.Messages()[0].Topic)

	balance, err := h.billing.GetUserBalance(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 97, balance)

	runs := h.runs.BySession(report.SessionID)
	require.Len(t, runs, 1)
	require.Equal(t, intel.RunComplete, runs[0].Status)
	require.Equal(t, 3, runs[0].PagesScraped)
}

func TestRun_TenURLsWithTwoServerErrors(t *testing.T) {
	t.Parallel()

	urls := urlsFor(10)
	backend := newFakeBackend(intel.BackendStatic, 0, urls...)
	// Two pages fail with 503 on every attempt.
	backend.script(urls[3], failedPage(urls[3], 503))
	backend.script(urls[7], failedPage(urls[7], 503))

	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, intel.PhaseComplete, report.Phase)
	require.Equal(t, 8, report.PagesScraped)
	require.ElementsMatch(t, []string{urls[3], urls[7]}, report.Skipped)
	require.True(t, report.PartialSuccess)
	require.Equal(t, 8, report.CreditsSpent)

	// Each failing URL was retried up to MaxRetries then skipped.
	require.Equal(t, 3, backend.callCount(urls[3]))
	require.Equal(t, 3, backend.callCount(urls[7]))
	require.Equal(t, 1, backend.callCount(urls[0]))

	// Failed pages got their per-page share refunded.
	balance, err := h.billing.GetUserBalance(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 92, balance)

	sess, err := h.store.GetSession(context.Background(), report.SessionID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{urls[3], urls[7]}, sess.Merged.Stats.FailedURLs)
	require.True(t, sess.Merged.Stats.PartialSuccess)
}

func TestRun_ServerErrorRecoversOnRetry(t *testing.T) {
	t.Parallel()

	urls := urlsFor(2)
	backend := newFakeBackend(intel.BackendStatic, 0, urls...)
	backend.script(urls[0], failedPage(urls[0], 500), richPage(urls[0]))

	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, 2, report.PagesScraped)
	require.Empty(t, report.Skipped)
	require.False(t, report.PartialSuccess)
	require.Equal(t, 2, backend.callCount(urls[0]))
}

func TestRun_EnhancementEscalatesFlaggedPages(t *testing.T) {
	t.Parallel()

	urls := urlsFor(2)
	static := newFakeBackend(intel.BackendStatic, 0, urls...)
	static.script(urls[0], thinPage(urls[0]))
	static.script(urls[1], thinPage(urls[1]))
	headless := newFakeBackend(intel.BackendHeadless, 1)

	h := newHarness(t, static, headless)
	h.billing.SetBalance("user-1", 100)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, intel.PhaseComplete, report.Phase)
	require.Equal(t, 2, report.PagesScraped)
	require.Equal(t, 2, report.Enhanced)
	// 2 static pages at 1 credit plus 2 headless pages at 5.
	require.Equal(t, 12, report.CreditsSpent)

	sess, err := h.store.GetSession(context.Background(), report.SessionID)
	require.NoError(t, err)
	for _, page := range sess.Merged.Pages {
		require.True(t, page.Enhanced)
		require.Equal(t, intel.BackendHeadless, page.BackendID)
	}
}

func TestRun_InsufficientCreditsForEnhancementDegrades(t *testing.T) {
	t.Parallel()

	urls := urlsFor(3)
	static := newFakeBackend(intel.BackendStatic, 0, urls...)
	for _, u := range urls {
		static.script(u, thinPage(u))
	}
	headless := newFakeBackend(intel.BackendHeadless, 1)

	h := newHarness(t, static, headless)
	// Enough for the base pass (3) but not the 15-credit escalation.
	h.billing.SetBalance("user-1", 10)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, intel.PhaseComplete, report.Phase)
	require.Equal(t, 3, report.PagesScraped)
	require.Zero(t, report.Enhanced)
	require.True(t, report.PartialSuccess)
	require.Equal(t, 3, report.CreditsSpent)

	// The base-tier pages survive with the audit trail intact.
	sess, err := h.store.GetSession(context.Background(), report.SessionID)
	require.NoError(t, err)
	for _, page := range sess.Merged.Pages {
		require.False(t, page.Enhanced)
		require.Equal(t, intel.BackendStatic, page.BackendID)
		require.Equal(t, "LOW_CONTENT", page.EnhancementReason)
	}
	for _, u := range urls {
		require.Zero(t, headless.callCount(u))
	}

	balance, err := h.billing.GetUserBalance(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 7, balance)
}

// phaseRecordingStore captures every phase written through the store so tests
// can assert on the transition path, not just the final state.
type phaseRecordingStore struct {
	*memory.SessionStore
	mu     sync.Mutex
	phases []intel.Phase
}

func (s *phaseRecordingStore) UpdateSession(ctx context.Context, id string, patch intel.SessionPatch, expectedVersion int64) (intel.Session, error) {
	s.mu.Lock()
	s.phases = append(s.phases, patch.Phase)
	s.mu.Unlock()
	return s.SessionStore.UpdateSession(ctx, id, patch, expectedVersion)
}

func (s *phaseRecordingStore) seen() []intel.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]intel.Phase, len(s.phases))
	copy(out, s.phases)
	return out
}

func TestRun_UnfundedEnhancementNeverEntersEnhancingPhase(t *testing.T) {
	t.Parallel()

	urls := urlsFor(3)
	static := newFakeBackend(intel.BackendStatic, 0, urls...)
	for _, u := range urls {
		static.script(u, thinPage(u))
	}
	headless := newFakeBackend(intel.BackendHeadless, 1)

	store := &phaseRecordingStore{SessionStore: memory.NewSessionStore()}
	h := newHarnessWithStore(t, store, static, headless)
	h.billing.SetBalance("user-1", 10)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, intel.PhaseComplete, report.Phase)

	// The session goes validating -> complete; the unaffordable escalation
	// never moves it through enhancing.
	seen := store.seen()
	require.Contains(t, seen, intel.PhaseValidating)
	require.Contains(t, seen, intel.PhaseComplete)
	require.NotContains(t, seen, intel.PhaseEnhancing)
}

func TestRun_NoURLsAborts(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(intel.BackendStatic, 0)
	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.ErrorIs(t, err, ErrNoURLs)
	require.Equal(t, intel.PhaseAborted, report.Phase)

	sess, getErr := h.store.GetSession(context.Background(), report.SessionID)
	require.NoError(t, getErr)
	require.Equal(t, intel.PhaseAborted, sess.Phase)

	balance, balErr := h.billing.GetUserBalance(context.Background(), "user-1")
	require.NoError(t, balErr)
	require.Equal(t, 100, balance)
}

func TestRun_AllPagesFailedAborts(t *testing.T) {
	t.Parallel()

	urls := urlsFor(2)
	backend := newFakeBackend(intel.BackendStatic, 0, urls...)
	backend.script(urls[0], failedPage(urls[0], 404))
	backend.script(urls[1], failedPage(urls[1], 403))

	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.Error(t, err)
	require.Equal(t, intel.PhaseAborted, report.Phase)
	require.ElementsMatch(t, urls, report.Skipped)
	require.Zero(t, report.CreditsSpent)

	// The whole reservation came back.
	balance, balErr := h.billing.GetUserBalance(context.Background(), "user-1")
	require.NoError(t, balErr)
	require.Equal(t, 100, balance)
}

func TestRun_InsufficientCreditsForBaseAborts(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(intel.BackendStatic, 0, urlsFor(5)...)
	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 2)

	report, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1"})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	require.Equal(t, intel.PhaseAborted, report.Phase)

	balance, balErr := h.billing.GetUserBalance(context.Background(), "user-1")
	require.NoError(t, balErr)
	require.Equal(t, 2, balance)
}

func TestRun_RejectsUnknownDepth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBackend(intel.BackendStatic, 0, urlsFor(1)...))
	_, err := h.orch.Run(context.Background(), JobConfig{Domain: "example.com", UserID: "user-1", Depth: "bottomless"})
	require.Error(t, err)
}

func TestRun_DepthCapsPageCount(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(intel.BackendStatic, 0, urlsFor(12)...)
	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)

	report, err := h.orch.Run(context.Background(), JobConfig{
		Domain: "example.com",
		UserID: "user-1",
		Depth:  ledger.DepthShallow,
	})
	require.NoError(t, err)
	require.Equal(t, 5, report.PagesScraped)
}

func TestRun_TerminalSessionRejected(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend(intel.BackendStatic, 0, urlsFor(1)...)
	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)
	ctx := context.Background()

	report, err := h.orch.Run(ctx, JobConfig{Domain: "example.com", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, intel.PhaseComplete, report.Phase)

	_, err = h.orch.Run(ctx, JobConfig{Domain: "example.com", UserID: "user-1"})
	require.ErrorContains(t, err, "already")
}

func TestAbort_CancelsRunAndRefundsReservation(t *testing.T) {
	t.Parallel()

	urls := urlsFor(4)
	backend := newFakeBackend(intel.BackendStatic, 0, urls...)
	backend.block = make(chan struct{})

	h := newHarness(t, backend)
	h.billing.SetBalance("user-1", 100)
	ctx := context.Background()

	done := make(chan error, 1)
	var report *JobReport
	go func() {
		var runErr error
		report, runErr = h.orch.Run(ctx, JobConfig{Domain: "example.com", UserID: "user-1"})
		done <- runErr
	}()

	// Wait for the job to register and debit its budget.
	var sessionID string
	require.Eventually(t, func() bool {
		sess, err := h.store.GetSessionByDomain(ctx, "example.com", "user-1")
		if err != nil {
			return false
		}
		sessionID = sess.ID
		balance, err := h.billing.GetUserBalance(ctx, "user-1")
		return err == nil && balance == 96
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Abort(ctx, sessionID, "operator request"))

	runErr := <-done
	require.Error(t, runErr)
	require.Equal(t, intel.PhaseAborted, report.Phase)

	sess, err := h.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, intel.PhaseAborted, sess.Phase)

	balance, err := h.billing.GetUserBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 100, balance)
}

func TestAbort_IdleSessionMarksAborted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeBackend(intel.BackendStatic, 0))
	ctx := context.Background()

	sess, err := h.sessions.FetchOrCreateSession(ctx, "example.com", "user-1")
	require.NoError(t, err)

	require.NoError(t, h.orch.Abort(ctx, sess.ID, "never started"))
	got, err := h.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, intel.PhaseAborted, got.Phase)
}
