package faults

import (
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FallbackStrategy decides what happens once retries are exhausted.
type FallbackStrategy string

// Fallback strategies.
const (
	FallbackSkip    FallbackStrategy = "skip"
	FallbackPartial FallbackStrategy = "partial"
	FallbackAbort   FallbackStrategy = "abort"
)

// maxNetworkRetries caps retries for connection-level faults regardless of
// the configured maximum.
const maxNetworkRetries = 2

// HandleOptions tunes a single Handle call.
type HandleOptions struct {
	MaxRetries       int
	RetryDelay       time.Duration
	FallbackStrategy FallbackStrategy
}

// Decision tells the caller how to proceed after a fault.
type Decision struct {
	ShouldRetry bool
	ShouldSkip  bool
	ShouldAbort bool
	Delay       time.Duration
	UserMessage string
}

// Handler tracks retry attempts per (url, fault signature) and converts
// faults into recovery decisions. Counters never outlive the session that
// owns the Handler.
type Handler struct {
	mu       sync.Mutex
	attempts map[string]int
	maxDelay time.Duration
	logger   *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		attempts: make(map[string]int),
		maxDelay: 30 * time.Second,
		logger:   logger,
	}
}

// Handle classifies the fault and returns the recovery decision, bumping the
// retry counter for the (url, signature) key when a retry is recommended.
func (h *Handler) Handle(err error, url string, opts HandleOptions) Decision {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.FallbackStrategy == "" {
		opts.FallbackStrategy = FallbackSkip
	}

	class := Classify(err)
	key := url + "|" + Signature(err)
	attempt := h.bump(key)

	switch class {
	case ClassRateLimited:
		if attempt < opts.MaxRetries {
			return Decision{
				ShouldRetry: true,
				Delay:       h.backoff(opts.RetryDelay, attempt),
				UserMessage: "rate limited, retrying",
			}
		}
		h.clear(key)
		return h.exhausted(opts, "rate limit retries exhausted")
	case ClassServerError:
		if attempt < opts.MaxRetries {
			return Decision{
				ShouldRetry: true,
				Delay:       h.backoff(opts.RetryDelay, attempt),
				UserMessage: "server error, retrying",
			}
		}
		h.clear(key)
		return h.exhausted(opts, "server error retries exhausted")
	case ClassNetwork:
		limit := min(opts.MaxRetries, maxNetworkRetries)
		if attempt < limit {
			return Decision{
				ShouldRetry: true,
				Delay:       h.backoff(opts.RetryDelay, attempt),
				UserMessage: "network fault, retrying",
			}
		}
		h.clear(key)
		return Decision{ShouldSkip: true, UserMessage: "network fault, page skipped"}
	case ClassForbidden:
		h.clear(key)
		return Decision{ShouldSkip: true, UserMessage: "access denied, page skipped"}
	case ClassNotFound:
		h.clear(key)
		return Decision{ShouldSkip: true, UserMessage: "page not found, skipped"}
	default:
		h.clear(key)
		h.logger.Warn("unclassified extraction fault",
			zap.String("url", url),
			zap.Error(err),
		)
		return Decision{ShouldSkip: true, UserMessage: "unexpected error, page skipped"}
	}
}

func (h *Handler) exhausted(opts HandleOptions, msg string) Decision {
	switch opts.FallbackStrategy {
	case FallbackAbort:
		return Decision{ShouldAbort: true, UserMessage: msg}
	default:
		// "partial" and "skip" both keep the job alive without the page.
		return Decision{ShouldSkip: true, UserMessage: msg}
	}
}

// Clear drops all retry counters for a URL.
func (h *Handler) Clear(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := url + "|"
	for key := range h.attempts {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(h.attempts, key)
		}
	}
}

// Reset drops every retry counter; called when the session ends.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = make(map[string]int)
}

func (h *Handler) bump(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	attempt := h.attempts[key]
	h.attempts[key] = attempt + 1
	return attempt
}

func (h *Handler) clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, key)
}

// backoff computes delay * 2^attempt with jitter, capped at maxDelay.
func (h *Handler) backoff(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(h.maxDelay) {
		delay = float64(h.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
