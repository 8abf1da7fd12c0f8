// Package orchestrator drives the progressive-enhancement pipeline: discover
// URLs, extract through the cheapest backend, validate the content, re-extract
// flagged pages on a higher tier when credits allow, then finalize.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/faults"
	"github.com/draftforge/webintel/internal/intel"
	"github.com/draftforge/webintel/internal/ledger"
	"github.com/draftforge/webintel/internal/metrics"
	"github.com/draftforge/webintel/internal/session"
	"github.com/draftforge/webintel/internal/validate"
)

// ErrInsufficientCredits is returned when a job cannot afford its base
// extraction. Enhancement shortfalls never surface this error; they degrade.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrNoURLs is returned when discovery finds nothing to extract.
var ErrNoURLs = errors.New("discovery produced no urls")

// Stage ordinals for the session manager's working-data window.
const (
	stageDiscovery = iota + 1
	stageValidation
	stageEnhancement
)

// Depth caps how many discovered URLs a job processes.
var depthPageCaps = map[ledger.Depth]int{
	ledger.DepthShallow:  5,
	ledger.DepthStandard: 20,
	ledger.DepthDeep:     0, // unlimited
}

// Config controls Orchestrator behavior.
type Config struct {
	Concurrency    int
	MaxRetries     int
	RetryDelay     time.Duration
	Fallback       faults.FallbackStrategy
	Topic          string
	SnapshotPrefix string
	ContentType    string
}

// JobConfig describes one acquisition job.
type JobConfig struct {
	Domain        string
	UserID        string
	Depth         ledger.Depth
	MaxPages      int
	ExtractSchema bool
	Premium       bool
}

// JobReport summarizes a finished job.
type JobReport struct {
	SessionID      string      `json:"session_id"`
	Phase          intel.Phase `json:"phase"`
	PagesScraped   int         `json:"pages_scraped"`
	Enhanced       int         `json:"enhanced"`
	Skipped        []string    `json:"skipped,omitempty"`
	PartialSuccess bool        `json:"partial_success"`
	CreditsSpent   int         `json:"credits_spent"`
}

// Hasher digests raw page payloads for snapshot paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// activeJob tracks a running job so Abort can cancel it and release its
// credit reservation.
type activeJob struct {
	cancel  context.CancelFunc
	credits *creditTracker
	userID  string
}

// Orchestrator executes acquisition jobs across the backend tiers.
type Orchestrator struct {
	cfg       Config
	backends  []intel.Backend
	validator *validate.Validator
	ledger    *ledger.Ledger
	sessions  *session.Manager
	runs      intel.RunStore
	snapshots intel.SnapshotStore
	publisher intel.Publisher
	hasher    Hasher
	idGen     intel.IDGenerator
	clock     intel.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]*activeJob
}

// New constructs an Orchestrator. Backends are ordered by capability so the
// cheapest tier leads and escalation walks upward.
func New(
	cfg Config,
	backends []intel.Backend,
	validator *validate.Validator,
	creditLedger *ledger.Ledger,
	sessions *session.Manager,
	runs intel.RunStore,
	snapshots intel.SnapshotStore,
	publisher intel.Publisher,
	hasher Hasher,
	idGen intel.IDGenerator,
	clock intel.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Fallback == "" {
		cfg.Fallback = faults.FallbackSkip
	}
	if cfg.Topic == "" {
		cfg.Topic = "session.finalized"
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "pages"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ordered := make([]intel.Backend, len(backends))
	copy(ordered, backends)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Capability() < ordered[j].Capability()
	})
	return &Orchestrator{
		cfg:       cfg,
		backends:  ordered,
		validator: validator,
		ledger:    creditLedger,
		sessions:  sessions,
		runs:      runs,
		snapshots: snapshots,
		publisher: publisher,
		hasher:    hasher,
		idGen:     idGen,
		clock:     clock,
		logger:    logger,
		active:    make(map[string]*activeJob),
	}, nil
}

// Run executes one job end to end and returns its report. A page-level fault
// never fails the job unless the fallback strategy says abort; job-level
// failures mark the session aborted.
func (o *Orchestrator) Run(ctx context.Context, job JobConfig) (*JobReport, error) {
	if job.Domain == "" || job.UserID == "" {
		return nil, fmt.Errorf("domain and user id are required")
	}
	if err := (ledger.CostOptions{Depth: job.Depth}).Validate(); err != nil {
		return nil, err
	}

	sess, err := o.sessions.FetchOrCreateSession(ctx, job.Domain, job.UserID)
	if err != nil {
		return nil, fmt.Errorf("initialize session: %w", err)
	}
	if sess.Phase.Terminal() {
		return nil, fmt.Errorf("session %s already %s", sess.ID, sess.Phase)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tracker := &creditTracker{}
	o.register(sess.ID, &activeJob{cancel: cancel, credits: tracker, userID: job.UserID})
	defer o.unregister(sess.ID)

	handler := faults.NewHandler(o.logger)
	defer handler.Reset()
	defer o.sessions.ReleaseSession(sess.ID)

	report := &JobReport{SessionID: sess.ID, Phase: sess.Phase}
	base := o.backends[0]
	costOpts := ledger.CostOptions{ExtractSchema: job.ExtractSchema, Premium: job.Premium, Depth: job.Depth}

	// Discovery.
	urls, err := o.discover(jobCtx, sess.ID, base, job)
	if err != nil {
		o.abortSession(ctx, sess.ID, err.Error())
		report.Phase = intel.PhaseAborted
		return report, err
	}

	if _, err := o.setPhase(ctx, sess.ID, intel.PhaseExtracting); err != nil {
		return report, err
	}
	report.Phase = intel.PhaseExtracting

	// Base-tier budget: checked and debited up front, refunded per failed page.
	cost := o.ledger.CalculateCost(base.ID(), len(urls), costOpts)
	if err := o.reserveCredits(ctx, job.UserID, base.ID(), cost, tracker, "extraction:"+job.Domain); err != nil {
		o.abortSession(ctx, sess.ID, "insufficient credits")
		report.Phase = intel.PhaseAborted
		return report, err
	}
	perPage := o.ledger.CalculateCost(base.ID(), 1, costOpts)

	// Extraction.
	outcome, err := o.runBatch(jobCtx, ctx, sess.ID, base, urls, handler)
	o.settlePages(ctx, job.UserID, base.ID(), tracker, perPage, outcome, "extraction:"+job.Domain)
	if err != nil {
		o.releaseReservation(ctx, job.UserID, tracker, "job aborted")
		o.abortSession(ctx, sess.ID, err.Error())
		report.Phase = intel.PhaseAborted
		report.CreditsSpent = tracker.total()
		return report, err
	}
	if len(outcome.Pages) == 0 {
		o.releaseReservation(ctx, job.UserID, tracker, "all pages failed")
		o.abortSession(ctx, sess.ID, "all pages failed")
		report.Phase = intel.PhaseAborted
		report.Skipped = failedURLs(outcome.Failed)
		report.CreditsSpent = tracker.total()
		return report, fmt.Errorf("all %d pages failed", len(outcome.Failed))
	}

	// Validation.
	if _, err := o.setPhase(ctx, sess.ID, intel.PhaseValidating); err != nil {
		return report, err
	}
	report.Phase = intel.PhaseValidating
	batch := o.validator.ValidateBatch(outcome.Pages)
	for _, res := range batch.Results {
		metrics.ValidationScore(res.Score)
	}
	o.putStage(ctx, sess.ID, stageValidation, batch.Stats)

	// Enhancement.
	enhanced, enhancementSkipped := o.enhance(jobCtx, ctx, sess.ID, job, batch, tracker, handler, costOpts)

	// Finalize.
	final := o.finalize(ctx, sess.ID, job, outcome, batch, enhanced, tracker, enhancementSkipped)
	report.Phase = final.Phase
	report.PagesScraped = final.Merged.Stats.TotalPages
	report.Enhanced = countEnhanced(final.Merged.Pages)
	report.Skipped = final.Merged.Stats.FailedURLs
	report.PartialSuccess = final.Merged.Stats.PartialSuccess
	report.CreditsSpent = tracker.total()
	return report, nil
}

// Abort cancels a running job, refunds its reserved-but-unspent credits, and
// marks the session aborted. In-flight backend calls drain; their results are
// discarded.
func (o *Orchestrator) Abort(ctx context.Context, sessionID, reason string) error {
	o.mu.Lock()
	job := o.active[sessionID]
	o.mu.Unlock()

	if job != nil {
		job.cancel()
		if remaining := job.credits.releaseAll(); remaining > 0 {
			o.ledger.RefundCredits(ctx, job.userID, remaining, "job aborted: "+reason, nil)
			metrics.CreditsRefunded("job", remaining)
		}
	}
	if err := o.abortSession(ctx, sessionID, reason); err != nil {
		return err
	}
	o.logger.Info("job aborted",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
	)
	return nil
}

// discover collects and prioritizes the job's URL set through the cheapest
// backend. Zero URLs is a job-level failure.
func (o *Orchestrator) discover(ctx context.Context, sessionID string, backend intel.Backend, job JobConfig) ([]string, error) {
	discovered, err := backend.DiscoverURLs(ctx, job.Domain)
	if err != nil {
		return nil, fmt.Errorf("discover urls: %w", err)
	}
	discovered = dedupe(discovered)
	if len(discovered) == 0 {
		return nil, ErrNoURLs
	}

	categorized := categorizeURLs(discovered)
	if limit := o.pageLimit(job); limit > 0 && len(categorized) > limit {
		categorized = categorized[:limit]
	}
	o.putStage(ctx, sessionID, stageDiscovery, categorized)

	urls := make([]string, len(categorized))
	for i, c := range categorized {
		urls[i] = c.URL
	}
	o.logger.Info("discovery complete",
		zap.String("session_id", sessionID),
		zap.String("domain", job.Domain),
		zap.Int("urls", len(urls)),
	)
	return urls, nil
}

// enhance re-extracts flagged pages on the next tier when credits allow. A
// shortfall degrades to the base-tier content rather than failing the job.
func (o *Orchestrator) enhance(
	jobCtx context.Context,
	ctx context.Context,
	sessionID string,
	job JobConfig,
	batch validate.BatchResult,
	tracker *creditTracker,
	handler *faults.Handler,
	costOpts ledger.CostOptions,
) (map[string]intel.PageResult, bool) {
	next := o.nextTier()
	if len(batch.NeedsEnhancement) == 0 || next == nil {
		return nil, false
	}

	// The ledger gates the transition: a session whose escalation cannot be
	// funded never enters the enhancing phase.
	flagged := make([]string, len(batch.NeedsEnhancement))
	for i, f := range batch.NeedsEnhancement {
		flagged[i] = f.Page.URL
	}
	cost := o.ledger.CalculateCost(next.ID(), len(flagged), costOpts)
	if err := o.reserveCredits(ctx, job.UserID, next.ID(), cost, tracker, "enhancement:"+job.Domain); err != nil {
		o.logger.Info("enhancement skipped",
			zap.String("session_id", sessionID),
			zap.Int("flagged", len(flagged)),
			zap.Int("cost", cost),
			zap.String("reason", "insufficient credits"),
		)
		return nil, true
	}

	if _, err := o.setPhase(ctx, sessionID, intel.PhaseEnhancing); err != nil {
		if amount := tracker.release(cost); amount > 0 {
			o.ledger.RefundCredits(ctx, job.UserID, amount, "enhancement cancelled", nil)
			metrics.CreditsRefunded("job", amount)
		}
		o.logger.Warn("enhancement phase transition failed", zap.Error(err))
		return nil, false
	}

	for _, f := range batch.NeedsEnhancement {
		metrics.Escalation(f.Reason)
	}

	perPage := o.ledger.CalculateCost(next.ID(), 1, costOpts)
	outcome, err := o.runBatch(jobCtx, ctx, sessionID, next, flagged, handler)
	o.settlePages(ctx, job.UserID, next.ID(), tracker, perPage, outcome, "enhancement:"+job.Domain)
	if err != nil {
		// Escalation faults degrade to the base-tier pages already in hand.
		o.logger.Warn("enhancement batch failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	enhanced := make(map[string]intel.PageResult, len(outcome.Pages))
	for _, page := range outcome.Pages {
		enhanced[page.URL] = page
	}
	o.putStage(ctx, sessionID, stageEnhancement, map[string]int{
		"flagged":  len(flagged),
		"enhanced": len(enhanced),
	})
	return enhanced, false
}

// finalize merges results into the session, archives raw snapshots, publishes
// the completion event, and moves the session to complete.
func (o *Orchestrator) finalize(
	ctx context.Context,
	sessionID string,
	job JobConfig,
	outcome batchOutcome,
	batch validate.BatchResult,
	enhanced map[string]intel.PageResult,
	tracker *creditTracker,
	enhancementSkipped bool,
) intel.Session {
	pages := make(map[string]intel.PageData, len(outcome.Pages))
	stats := intel.SessionStats{
		PhaseCounts: map[string]int{},
		FailedURLs:  failedURLs(outcome.Failed),
	}

	for _, page := range outcome.Pages {
		final := page
		data := intel.PageData{URL: page.URL, BackendID: page.BackendID}
		if res, ok := batch.Results[page.URL]; ok {
			data.Score = res.Score
			data.EnhancementReason = res.EnhancementReason
		}
		if upgrade, ok := enhanced[page.URL]; ok {
			final = upgrade
			data.BackendID = upgrade.BackendID
			data.Enhanced = true
			data.Score = o.validator.Validate(upgrade).Score
			stats.PhaseCounts["enhanced"]++
		}
		data.ContentLength = len(final.Content)
		data.SnapshotURI = o.archive(ctx, sessionID, final)
		pages[final.URL] = data

		stats.TotalPages++
		stats.DataPoints += final.DataPoints()
		stats.TotalLinks += len(final.Links)
		stats.PhaseCounts["extracted"]++
	}
	stats.PhaseCounts["failed"] = len(outcome.Failed)
	stats.CreditsSpent = tracker.total()
	stats.PartialSuccess = len(outcome.Failed) > 0 || enhancementSkipped

	final, err := o.sessions.SyncSession(ctx, sessionID, func(s *intel.Session) {
		s.Merged.Stats = stats
		if s.Merged.Pages == nil {
			s.Merged.Pages = map[string]intel.PageData{}
		}
		for url, data := range pages {
			s.Merged.Pages[url] = data
		}
		if intel.CanTransition(s.Phase, intel.PhaseComplete) {
			s.Phase = intel.PhaseComplete
		}
	})
	if err != nil {
		o.logger.Error("finalize session failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		final = intel.Session{ID: sessionID, Phase: intel.PhaseComplete, Merged: intel.MergedData{Stats: stats, Pages: pages}}
	}

	o.publishFinalized(ctx, final)
	metrics.SessionFinished(string(final.Phase))
	o.logger.Info("session finalized",
		zap.String("session_id", sessionID),
		zap.String("domain", job.Domain),
		zap.Int("pages", stats.TotalPages),
		zap.Int("credits_spent", stats.CreditsSpent),
		zap.Bool("partial", stats.PartialSuccess),
	)
	return final
}

// runBatch wraps extractBatch with a scraper run record. jobCtx gates the
// backend calls; ctx persists the record even after a job cancel.
func (o *Orchestrator) runBatch(jobCtx, ctx context.Context, sessionID string, backend intel.Backend, urls []string, handler *faults.Handler) (batchOutcome, error) {
	runID, idErr := o.idGen.NewID()
	if idErr != nil {
		runID = sessionID + ":" + string(backend.ID())
	}
	run := intel.ScraperRun{
		ID:        runID,
		SessionID: sessionID,
		BackendID: backend.ID(),
		Status:    intel.RunRunning,
		StartedAt: o.clock.Now(),
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		o.logger.Warn("create run record failed", zap.Error(err))
	}

	outcome, err := o.extractBatch(jobCtx, backend, urls, handler)

	run.PagesScraped = len(outcome.Pages)
	run.DurationMs = o.clock.Now().Sub(run.StartedAt).Milliseconds()
	run.Status = intel.RunComplete
	if err != nil || len(outcome.Pages) == 0 {
		run.Status = intel.RunFailed
	}
	for _, page := range outcome.Pages {
		run.DataPoints += page.DataPoints()
		run.DiscoveredLinks += len(page.Links)
	}
	if err := o.runs.CompleteRun(ctx, run); err != nil {
		o.logger.Warn("complete run record failed", zap.Error(err))
	}
	o.sessions.RecordRun(run)
	return outcome, err
}

// reserveCredits checks and debits a job budget. Insufficient balance or a
// failed debit both fail closed.
func (o *Orchestrator) reserveCredits(ctx context.Context, userID string, backend intel.BackendID, cost int, tracker *creditTracker, reason string) error {
	if cost <= 0 {
		return nil
	}
	check, err := o.ledger.CheckSufficientCredits(ctx, userID, cost)
	if err != nil {
		return fmt.Errorf("credit check: %w", err)
	}
	if !check.Sufficient {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, cost, check.Balance)
	}
	if !o.ledger.DeductCredits(ctx, userID, cost, reason, map[string]any{"backend": string(backend)}) {
		return fmt.Errorf("%w: debit rejected", ErrInsufficientCredits)
	}
	tracker.reserve(cost)
	metrics.CreditsSpent(string(backend), cost)
	return nil
}

// settlePages consumes the reservation for successful pages and refunds the
// per-page share for failed ones.
func (o *Orchestrator) settlePages(ctx context.Context, userID string, backend intel.BackendID, tracker *creditTracker, perPage int, outcome batchOutcome, reason string) {
	for range outcome.Pages {
		tracker.consume(perPage)
	}
	for _, page := range outcome.Failed {
		amount := tracker.release(perPage)
		if amount <= 0 {
			continue
		}
		o.ledger.RefundCredits(ctx, userID, amount, reason, map[string]any{"url": page.URL})
		metrics.CreditsRefunded(string(backend), amount)
	}
}

// releaseReservation refunds whatever remains of the job's reservation.
func (o *Orchestrator) releaseReservation(ctx context.Context, userID string, tracker *creditTracker, reason string) {
	if remaining := tracker.releaseAll(); remaining > 0 {
		o.ledger.RefundCredits(ctx, userID, remaining, reason, nil)
		metrics.CreditsRefunded("job", remaining)
	}
}

// archive stores the raw payload and returns its URI, or empty on failure.
// Snapshot faults never fail the job.
func (o *Orchestrator) archive(ctx context.Context, sessionID string, page intel.PageResult) string {
	if o.snapshots == nil || page.HTML == "" {
		return ""
	}
	hash, err := o.hasher.Hash([]byte(page.HTML))
	if err != nil {
		o.logger.Warn("hash page failed", zap.String("url", page.URL), zap.Error(err))
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.html", o.cfg.SnapshotPrefix, sessionID, hash)
	uri, err := o.snapshots.PutObject(ctx, path, o.cfg.ContentType, []byte(page.HTML))
	if err != nil {
		o.logger.Warn("archive page failed",
			zap.String("url", page.URL),
			zap.String("path", path),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func (o *Orchestrator) publishFinalized(ctx context.Context, sess intel.Session) {
	if o.publisher == nil {
		return
	}
	uris := make([]string, 0, len(sess.Merged.Pages))
	for _, page := range sess.Merged.Pages {
		if page.SnapshotURI != "" {
			uris = append(uris, page.SnapshotURI)
		}
	}
	sort.Strings(uris)
	payload := map[string]any{
		"session_id":    sess.ID,
		"domain":        sess.Domain,
		"version":       sess.Version,
		"stats":         sess.Merged.Stats,
		"snapshot_uris": uris,
		"finalized_at":  o.clock.Now().Format(time.RFC3339),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, payload); err != nil {
		o.logger.Warn("publish finalized event failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
	}
}

// setPhase advances the session through a legal transition.
func (o *Orchestrator) setPhase(ctx context.Context, sessionID string, to intel.Phase) (intel.Session, error) {
	return o.sessions.ExecutePhase(ctx, sessionID, to)
}

// abortSession marks a session aborted if it is not already terminal.
func (o *Orchestrator) abortSession(ctx context.Context, sessionID, reason string) error {
	_, err := o.sessions.SyncSession(ctx, sessionID, func(s *intel.Session) {
		if !intel.CanTransition(s.Phase, intel.PhaseAborted) {
			return
		}
		s.Phase = intel.PhaseAborted
		if s.Merged.Extracted == nil {
			s.Merged.Extracted = map[string]json.RawMessage{}
		}
		if data, err := json.Marshal(reason); err == nil {
			s.Merged.Extracted["abort_reason"] = data
		}
	})
	if err != nil {
		return fmt.Errorf("mark session aborted: %w", err)
	}
	metrics.SessionFinished(string(intel.PhaseAborted))
	return nil
}

// putStage persists stage working data; stage faults only log.
func (o *Orchestrator) putStage(ctx context.Context, sessionID string, stage int, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		o.logger.Warn("marshal stage data failed", zap.Int("stage", stage), zap.Error(err))
		return
	}
	if err := o.sessions.SetStageData(ctx, sessionID, stage, data); err != nil {
		o.logger.Warn("persist stage data failed", zap.Int("stage", stage), zap.Error(err))
	}
}

// nextTier returns the backend one capability step above the base tier.
func (o *Orchestrator) nextTier() intel.Backend {
	if len(o.backends) < 2 {
		return nil
	}
	return o.backends[1]
}

func (o *Orchestrator) pageLimit(job JobConfig) int {
	limit := depthPageCaps[job.Depth]
	if job.MaxPages > 0 && (limit == 0 || job.MaxPages < limit) {
		limit = job.MaxPages
	}
	return limit
}

func (o *Orchestrator) register(sessionID string, job *activeJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[sessionID] = job
}

func (o *Orchestrator) unregister(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, sessionID)
}

func failedURLs(failed []intel.PageResult) []string {
	if len(failed) == 0 {
		return nil
	}
	urls := make([]string, len(failed))
	for i, page := range failed {
		urls[i] = page.URL
	}
	return urls
}

func countEnhanced(pages map[string]intel.PageData) int {
	n := 0
	for _, page := range pages {
		if page.Enhanced {
			n++
		}
	}
	return n
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
