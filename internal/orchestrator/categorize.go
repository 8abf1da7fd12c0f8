package orchestrator

import (
	"net/url"
	"sort"
	"strings"

	"github.com/draftforge/webintel/internal/intel"
)

// Path hints per category. A URL matches the highest category whose hint list
// contains a segment of its path; everything else is optional.
var (
	criticalHints  = []string{"contact", "kontakt", "about", "impressum"}
	importantHints = []string{"product", "shop", "store", "service", "pricing", "plans", "menu"}
	usefulHints    = []string{"blog", "news", "team", "docs", "faq", "portfolio"}
)

// categorizeURLs assigns a processing priority to every discovered URL and
// returns them ordered by category. Categorization never drops a URL; within a
// category, discovery order is preserved.
func categorizeURLs(urls []string) []intel.CategorizedURL {
	out := make([]intel.CategorizedURL, 0, len(urls))
	for i, u := range urls {
		out = append(out, intel.CategorizedURL{URL: u, Category: categorize(u, i == 0)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Category < out[j].Category
	})
	return out
}

func categorize(raw string, isRoot bool) intel.URLCategory {
	if isRoot {
		return intel.CategoryCritical
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return intel.CategoryOptional
	}
	path := strings.ToLower(parsed.Path)
	if path == "" || path == "/" {
		return intel.CategoryCritical
	}
	switch {
	case matchesAny(path, criticalHints):
		return intel.CategoryCritical
	case matchesAny(path, importantHints):
		return intel.CategoryImportant
	case matchesAny(path, usefulHints):
		return intel.CategoryUseful
	default:
		return intel.CategoryOptional
	}
}

func matchesAny(path string, hints []string) bool {
	for _, hint := range hints {
		if strings.Contains(path, hint) {
			return true
		}
	}
	return false
}
