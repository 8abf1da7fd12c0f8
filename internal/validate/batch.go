package validate

import (
	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/intel"
)

// Flagged pairs a page with the reason it needs re-extraction.
type Flagged struct {
	Page   intel.PageResult `json:"page"`
	Reason string           `json:"reason"`
}

// BatchStats summarizes one ValidateBatch call.
type BatchStats struct {
	TotalPages       int     `json:"total_pages"`
	ValidCount       int     `json:"valid_count"`
	EnhancementCount int     `json:"enhancement_count"`
	AverageScore     float64 `json:"average_score"`
}

// BatchResult is the outcome of validating a batch of pages.
type BatchResult struct {
	Valid            []intel.PageResult `json:"valid_pages"`
	NeedsEnhancement []Flagged          `json:"needs_enhancement"`
	Results          map[string]Result  `json:"-"`
	Stats            BatchStats         `json:"stats"`
}

// ValidateBatch scores every page. A single page's validation failure never
// aborts the batch: the page gets a fatal low-content verdict instead.
func (v *Validator) ValidateBatch(pages []intel.PageResult) BatchResult {
	out := BatchResult{Results: make(map[string]Result, len(pages))}
	var scoreSum float64

	for _, page := range pages {
		res := v.validateSafe(page)
		out.Results[page.URL] = res
		out.Stats.TotalPages++
		scoreSum += res.Score
		if res.Valid {
			out.Stats.ValidCount++
			out.Valid = append(out.Valid, page)
		}
		if res.NeedsEnhancement {
			out.Stats.EnhancementCount++
			out.NeedsEnhancement = append(out.NeedsEnhancement, Flagged{Page: page, Reason: res.EnhancementReason})
		}
	}
	if out.Stats.TotalPages > 0 {
		out.Stats.AverageScore = scoreSum / float64(out.Stats.TotalPages)
	}
	return out
}

// validateSafe converts a panicking validation into a fatal verdict for the
// single page rather than letting it escape the batch boundary.
func (v *Validator) validateSafe(page intel.PageResult) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warn("page validation panicked",
				zap.String("url", page.URL),
				zap.Any("panic", r),
			)
			res = Result{
				URL:               page.URL,
				Score:             0,
				Valid:             false,
				Issues:            []Issue{{Code: IssueLowContent, Severity: SeverityFatal, Detail: "validation failed"}},
				NeedsEnhancement:  true,
				EnhancementReason: string(IssueLowContent),
			}
		}
	}()
	return v.Validate(page)
}
