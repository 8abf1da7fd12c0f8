package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/intel"
)

func newTestValidator() *Validator {
	return New(Config{}, zap.NewNop())
}

func richContent() string {
	return strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20)
}

func TestValidate_RichPageScoresHigh(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:     "https://example.com/",
		Content: richContent(),
		HTML:    `<html><body><nav><a href="/">home</a></nav><main><p>content</p></main></body></html>`,
		Images:  []intel.ImageRef{{Src: "hero.png"}},
		Contact: &intel.ContactInfo{Email: "sales@example.com"},
	})

	require.Empty(t, res.Issues)
	require.Equal(t, 1.0, res.Score)
	require.True(t, res.Valid)
	require.False(t, res.NeedsEnhancement)
}

func TestValidate_LowContentIsFatal(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:     "https://example.com/page",
		Content: "almost nothing here",
	})

	require.Len(t, res.Issues, 1)
	require.Equal(t, IssueLowContent, res.Issues[0].Code)
	require.Equal(t, SeverityFatal, res.Issues[0].Severity)
	require.InDelta(t, 0.7, res.Score, 1e-9)
	require.False(t, res.Valid)
	require.True(t, res.NeedsEnhancement)
	require.Equal(t, string(IssueLowContent), res.EnhancementReason)
}

func TestValidate_PlaceholdersTriggerEnhancement(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:     "https://example.com/catalog",
		Content: "{{ product.title }} " + richContent(),
	})

	require.True(t, res.NeedsEnhancement)
	require.Equal(t, string(IssueJSPlaceholders), res.EnhancementReason)
	require.True(t, res.Metrics.PlaceholderCount > 0)
}

func TestValidate_LoadingShimCountsAsPlaceholder(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:     "https://example.com/app",
		Content: "Loading... " + richContent(),
	})

	require.True(t, res.NeedsEnhancement)
	require.Equal(t, string(IssueJSPlaceholders), res.EnhancementReason)
}

func TestValidate_EmptyAppMountIsFatal(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:     "https://example.com/",
		Content: richContent(),
		HTML:    `<html><body><div id="root"></div></body></html>`,
	})

	require.True(t, res.NeedsEnhancement)
	require.Equal(t, string(IssueEmptyDivs), res.EnhancementReason)
}

func TestValidate_UnionRule_FatalIssueEscalatesDespiteGoodScore(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:      "https://example.com/shop",
		Content:  richContent(),
		HTML:     `<html><body><nav></nav><main><p>shop</p></main></body></html>`,
		Images:   []intel.ImageRef{{Src: "product.png"}},
		Contact:  &intel.ContactInfo{Phone: "555-0100"},
		Products: []intel.Product{{Name: "Widget"}},
	})

	// One fatal issue against full bonuses leaves the score passing.
	require.True(t, res.Valid)
	require.True(t, res.NeedsEnhancement)
	require.Equal(t, string(IssueNoPrices), res.EnhancementReason)
}

func TestValidate_WarningsAreNotFatal(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:     "https://example.com/contact",
		Content: richContent(),
		HTML:    `<html><body><nav></nav><main><p>reach us</p></main></body></html>`,
		Images:  []intel.ImageRef{{DataSrc: "lazy.png"}},
	})

	var codes []IssueCode
	for _, issue := range res.Issues {
		require.Equal(t, SeverityWarning, issue.Severity)
		codes = append(codes, issue.Code)
	}
	require.ElementsMatch(t, []IssueCode{IssueMissingImages, IssueNoContact}, codes)
	require.False(t, res.NeedsEnhancement)
}

func TestValidate_ScoreClampsAtZero(t *testing.T) {
	t.Parallel()

	v := newTestValidator()
	res := v.Validate(intel.PageResult{
		URL:      "https://example.com/",
		Content:  "{{ spinner }}",
		HTML:     `<html><body><div id="app"></div></body></html>`,
		Products: []intel.Product{{Name: "Widget"}},
	})

	require.Equal(t, 0.0, res.Score)
	require.False(t, res.Valid)
	require.True(t, res.NeedsEnhancement)
}
