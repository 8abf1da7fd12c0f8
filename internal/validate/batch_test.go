package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/intel"
)

func TestValidateBatch_SplitsValidAndFlagged(t *testing.T) {
	t.Parallel()

	v := New(Config{}, zap.NewNop())
	pages := []intel.PageResult{
		{
			URL:     "https://example.com/",
			Content: richContent(),
			HTML:    `<html><body><nav></nav><main><p>home</p></main></body></html>`,
			Images:  []intel.ImageRef{{Src: "a.png"}},
		},
		{
			URL:     "https://example.com/thin",
			Content: "too short",
		},
	}

	out := v.ValidateBatch(pages)

	require.Equal(t, 2, out.Stats.TotalPages)
	require.Equal(t, 1, out.Stats.ValidCount)
	require.Equal(t, 1, out.Stats.EnhancementCount)
	require.Len(t, out.Valid, 1)
	require.Equal(t, "https://example.com/", out.Valid[0].URL)
	require.Len(t, out.NeedsEnhancement, 1)
	require.Equal(t, "https://example.com/thin", out.NeedsEnhancement[0].Page.URL)
	require.Equal(t, string(IssueLowContent), out.NeedsEnhancement[0].Reason)
	require.Contains(t, out.Results, "https://example.com/thin")
	require.InDelta(t, (1.0+0.7)/2, out.Stats.AverageScore, 1e-9)
}

func TestValidateBatch_EmptyInput(t *testing.T) {
	t.Parallel()

	v := New(Config{}, zap.NewNop())
	out := v.ValidateBatch(nil)

	require.Zero(t, out.Stats.TotalPages)
	require.Zero(t, out.Stats.AverageScore)
	require.Empty(t, out.Valid)
	require.Empty(t, out.NeedsEnhancement)
}
