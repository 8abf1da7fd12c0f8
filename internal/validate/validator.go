// Package validate scores extracted page content for completeness and decides
// whether a page warrants escalation to a heavier backend.
package validate

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/draftforge/webintel/internal/intel"
)

// IssueCode identifies a validation finding.
type IssueCode string

// Validation issue codes.
const (
	IssueLowContent     IssueCode = "LOW_CONTENT"
	IssueJSPlaceholders IssueCode = "JS_PLACEHOLDERS"
	IssueEmptyDivs      IssueCode = "EMPTY_DIVS"
	IssueNoPrices       IssueCode = "NO_PRICES"
	IssueMissingImages  IssueCode = "MISSING_IMAGES"
	IssueNoContact      IssueCode = "NO_CONTACT"
)

// Severity grades a validation issue.
type Severity string

// Issue severities.
const (
	SeverityFatal   Severity = "fatal"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is a single validation finding.
type Issue struct {
	Code     IssueCode `json:"code"`
	Severity Severity  `json:"severity"`
	Detail   string    `json:"detail,omitempty"`
}

// Metrics captures the raw signals behind a score.
type Metrics struct {
	ContentLength    int  `json:"content_length"`
	ImageCount       int  `json:"image_count"`
	LinkCount        int  `json:"link_count"`
	HasMainContent   bool `json:"has_main_content"`
	HasNavigation    bool `json:"has_navigation"`
	HasContactInfo   bool `json:"has_contact_info"`
	HasProducts      bool `json:"has_products"`
	PlaceholderCount int  `json:"placeholder_count"`
}

// Result is the per-page validator output. It is ephemeral; only aggregates
// are folded into session stats.
type Result struct {
	URL               string  `json:"url"`
	Score             float64 `json:"score"`
	Valid             bool    `json:"valid"`
	Issues            []Issue `json:"issues,omitempty"`
	NeedsEnhancement  bool    `json:"needs_enhancement"`
	EnhancementReason string  `json:"enhancement_reason,omitempty"`
	Metrics           Metrics `json:"metrics"`
}

// Config tunes validator thresholds.
type Config struct {
	MinContentLength int
	ValidScore       float64
	EnhanceScore     float64
}

// Validator scores extracted pages. It is a pure function of its input: no
// I/O, no side effects besides logging.
type Validator struct {
	cfg    Config
	logger *zap.Logger
}

// placeholderPatterns match content captured before client-side rendering
// finished: templating braces, loading shims, skeleton screens.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\{\{[^}]*\}\}`),
	regexp.MustCompile(`(?i)loading\s*(\.\.\.|…)`),
	regexp.MustCompile(`(?i)\bskeleton[-_]?(loader|screen|placeholder)?\b`),
	regexp.MustCompile(`\[(?i:placeholder|loading|content)\]`),
}

// appMountSelectors are framework root containers; present-but-empty means
// the page never hydrated.
var appMountSelectors = []string{"#root", "#app", "#__next", "[data-reactroot]", "[ng-app]"}

// fatal issues that reflect missing client-side rendering and therefore
// justify re-extraction with a heavier backend even when the score passes.
var rendersBetterWithHeadless = map[IssueCode]bool{
	IssueLowContent:     true,
	IssueJSPlaceholders: true,
	IssueNoPrices:       true,
	IssueEmptyDivs:      true,
}

// New builds a Validator.
func New(cfg Config, logger *zap.Logger) *Validator {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 500
	}
	if cfg.ValidScore <= 0 {
		cfg.ValidScore = 0.7
	}
	if cfg.EnhanceScore <= 0 {
		cfg.EnhanceScore = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg, logger: logger}
}

// Validate scores a single page.
func (v *Validator) Validate(page intel.PageResult) Result {
	res := Result{URL: page.URL}
	res.Metrics = v.collectMetrics(page)

	if res.Metrics.ContentLength < v.cfg.MinContentLength {
		res.addIssue(IssueLowContent, SeverityFatal, "content below minimum length")
	}
	if res.Metrics.PlaceholderCount > 0 {
		res.addIssue(IssueJSPlaceholders, SeverityFatal, "unrendered client-side placeholders present")
	}
	if v.hasEmptyAppMount(page.HTML) {
		res.addIssue(IssueEmptyDivs, SeverityFatal, "framework root container is empty")
	}
	if productsMissingPrices(page.Products) {
		res.addIssue(IssueNoPrices, SeverityFatal, "products extracted without prices")
	}
	if hasUnresolvedLazyImages(page.Images) {
		res.addIssue(IssueMissingImages, SeverityWarning, "lazy-loaded images never resolved")
	}
	if isContactURL(page.URL) && page.Contact == nil {
		res.addIssue(IssueNoContact, SeverityWarning, "contact page without extracted contact info")
	}

	res.Score = v.score(res)
	res.Valid = res.Score > v.cfg.ValidScore
	res.NeedsEnhancement, res.EnhancementReason = v.enhancementVerdict(res)

	v.logger.Debug("page validated",
		zap.String("url", page.URL),
		zap.Float64("score", res.Score),
		zap.Bool("needs_enhancement", res.NeedsEnhancement),
		zap.Int("issues", len(res.Issues)),
	)
	return res
}

func (v *Validator) collectMetrics(page intel.PageResult) Metrics {
	m := Metrics{
		ContentLength: len(strings.TrimSpace(page.Content)),
		ImageCount:    len(page.Images),
		LinkCount:     len(page.Links),
		HasContactInfo: page.Contact != nil &&
			(page.Contact.Email != "" || page.Contact.Phone != "" || page.Contact.Address != ""),
		HasProducts: len(page.Products) > 0,
	}
	for _, pat := range placeholderPatterns {
		m.PlaceholderCount += len(pat.FindAllString(page.Content, -1))
	}
	if page.HTML != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML)); err == nil {
			m.HasMainContent = doc.Find("main, article, [role=main]").Length() > 0
			m.HasNavigation = doc.Find("nav, [role=navigation]").Length() > 0
		}
	}
	return m
}

func (v *Validator) hasEmptyAppMount(html string) bool {
	if html == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	for _, sel := range appMountSelectors {
		found := false
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if strings.TrimSpace(s.Text()) == "" && s.Children().Length() == 0 {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

func (v *Validator) score(res Result) float64 {
	score := 1.0
	for _, issue := range res.Issues {
		switch issue.Severity {
		case SeverityFatal:
			score -= 0.3
		case SeverityWarning:
			score -= 0.1
		}
	}
	if res.Metrics.HasMainContent {
		score += 0.1
	}
	if res.Metrics.HasNavigation {
		score += 0.05
	}
	if res.Metrics.HasContactInfo {
		score += 0.05
	}
	if res.Metrics.ImageCount > 0 {
		score += 0.05
	}
	return clamp(score, 0, 1)
}

// enhancementVerdict applies the union rule: a low score or any fatal issue
// from the requires-heavier-rendering set triggers escalation.
func (v *Validator) enhancementVerdict(res Result) (bool, string) {
	for _, issue := range res.Issues {
		if issue.Severity == SeverityFatal && rendersBetterWithHeadless[issue.Code] {
			return true, string(issue.Code)
		}
	}
	if res.Score < v.cfg.EnhanceScore {
		return true, "low score"
	}
	return false, ""
}

func (r *Result) addIssue(code IssueCode, sev Severity, detail string) {
	r.Issues = append(r.Issues, Issue{Code: code, Severity: sev, Detail: detail})
}

func productsMissingPrices(products []intel.Product) bool {
	if len(products) == 0 {
		return false
	}
	for _, p := range products {
		if strings.TrimSpace(p.Price) == "" {
			return true
		}
	}
	return false
}

func hasUnresolvedLazyImages(images []intel.ImageRef) bool {
	for _, img := range images {
		if img.DataSrc != "" && img.Src == "" {
			return true
		}
	}
	return false
}

var contactPathHints = []string{"contact", "kontakt", "about", "impressum"}

func isContactURL(url string) bool {
	lower := strings.ToLower(url)
	for _, hint := range contactPathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
