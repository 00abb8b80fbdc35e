package fetcher

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Verdict is the content classification of a 2xx response body.
type Verdict int

const (
	// VerdictValid means the body looks like real content.
	VerdictValid Verdict = iota
	// VerdictBlocked means the body looks like an anti-bot page.
	VerdictBlocked
	// VerdictInvalid means the body failed the page-validity check.
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictBlocked:
		return "blocked"
	case VerdictInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// ClassifierConfig holds the block and validity heuristics.
type ClassifierConfig struct {
	BlockMinLength   int
	BlockPhrases     []string
	ContentMinLength int
	ContentMarkers   []string
	ContentSelectors []string
}

// DefaultBlockPhrases are common fragments of anti-bot interstitials.
var DefaultBlockPhrases = []string{
	"captcha",
	"access denied",
	"are you a robot",
	"unusual traffic",
	"verify you are human",
	"request blocked",
	"attention required",
}

// Classifier inspects 2xx bodies. Block checks run before validity checks so a
// block page is never reported as merely invalid.
type Classifier struct {
	blockMin   int
	phrases    [][]byte
	contentMin int
	markers    [][]byte
	selectors  []string
}

// NewClassifier lowercases phrases and markers once.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{
		blockMin:   cfg.BlockMinLength,
		phrases:    lowerAll(cfg.BlockPhrases),
		contentMin: cfg.ContentMinLength,
		markers:    lowerAll(cfg.ContentMarkers),
		selectors:  nonEmpty(cfg.ContentSelectors),
	}
}

// Classify returns the verdict and a short reason for non-valid bodies.
func (c *Classifier) Classify(body []byte) (Verdict, string) {
	if c == nil {
		return VerdictValid, ""
	}
	if c.blockMin > 0 && len(body) < c.blockMin {
		return VerdictBlocked, fmt.Sprintf("body %d bytes below block threshold %d", len(body), c.blockMin)
	}
	lower := bytes.ToLower(body)
	for _, phrase := range c.phrases {
		if bytes.Contains(lower, phrase) {
			return VerdictBlocked, fmt.Sprintf("block phrase %q", phrase)
		}
	}
	if c.contentMin > 0 && len(body) < c.contentMin {
		return VerdictInvalid, fmt.Sprintf("body %d bytes below content minimum %d", len(body), c.contentMin)
	}
	for _, marker := range c.markers {
		if !bytes.Contains(lower, marker) {
			return VerdictInvalid, fmt.Sprintf("missing marker %q", marker)
		}
	}
	if sel, ok := c.missingSelector(body); ok {
		return VerdictInvalid, fmt.Sprintf("missing selector %q", sel)
	}
	return VerdictValid, ""
}

func (c *Classifier) missingSelector(body []byte) (string, bool) {
	if len(c.selectors) == 0 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return c.selectors[0], true
	}
	for _, sel := range c.selectors {
		if doc.Find(sel).Length() == 0 {
			return sel, true
		}
	}
	return "", false
}

func lowerAll(in []string) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, s := range nonEmpty(in) {
		out = append(out, bytes.ToLower([]byte(s)))
	}
	return out
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
