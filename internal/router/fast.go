package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/normanking/intentrouter/pkg/types"
)

// Scorer defaults.
const (
	DefaultHistoryTurns      = 3
	DefaultHistoryCharBudget = 500

	// DefaultNoMatchConfidence is reported when no pattern group matched.
	// It sits below DefaultConfidenceThreshold so unrecognized requests go
	// to the fallback classifier.
	DefaultNoMatchConfidence = 0.5

	// DefaultBoundaryMargin is the distance from an interior band boundary
	// inside which the scorer lowers its confidence.
	DefaultBoundaryMargin = 0.04

	boundaryPenalty  = 0.85
	longRequestWords = 120
)

// PatternGroup is a weighted set of regular expressions tagged with a
// category. A group matches when any of its patterns matches, and then
// contributes Weight once.
type PatternGroup struct {
	Category string   `mapstructure:"category" yaml:"category"`
	Weight   float64  `mapstructure:"weight" yaml:"weight"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

type compiledGroup struct {
	category string
	weight   float64
	patterns []*regexp.Regexp
}

func (g compiledGroup) matches(text string) bool {
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func compileGroups(groups []PatternGroup) ([]compiledGroup, error) {
	out := make([]compiledGroup, 0, len(groups))
	for _, g := range groups {
		if g.Weight < 0 {
			return nil, fmt.Errorf("pattern group %q: negative weight %g", g.Category, g.Weight)
		}
		cg := compiledGroup{category: g.Category, weight: g.Weight}
		for _, p := range g.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("pattern group %q: %w", g.Category, err)
			}
			cg.patterns = append(cg.patterns, re)
		}
		out = append(out, cg)
	}
	return out, nil
}

// ComplexityScorer maps request text to a complexity score and tier using
// weighted pattern groups. It is stateless after construction and safe for
// concurrent use.
type ComplexityScorer struct {
	scheme            *TierScheme
	groups            []compiledGroup
	historyTurns      int
	historyCharBudget int
	noMatchConfidence float64
	boundaryMargin    float64
	longRequestWeight float64
}

// ScorerOption configures a ComplexityScorer.
type ScorerOption func(*ComplexityScorer)

// WithHistoryWindow sets how many prior turns are scored and the per-turn
// character budget.
func WithHistoryWindow(turns, charBudget int) ScorerOption {
	return func(s *ComplexityScorer) {
		s.historyTurns = turns
		s.historyCharBudget = charBudget
	}
}

// WithNoMatchConfidence sets the confidence reported when nothing matched.
func WithNoMatchConfidence(c float64) ScorerOption {
	return func(s *ComplexityScorer) {
		s.noMatchConfidence = clamp01(c)
	}
}

// WithBoundaryMargin sets the boundary-proximity margin. Zero disables the
// penalty.
func WithBoundaryMargin(m float64) ScorerOption {
	return func(s *ComplexityScorer) {
		s.boundaryMargin = m
	}
}

// WithLongRequestWeight sets the weight added for very long requests.
// Zero disables the signal.
func WithLongRequestWeight(w float64) ScorerOption {
	return func(s *ComplexityScorer) {
		s.longRequestWeight = w
	}
}

// NewComplexityScorer creates a scorer with the built-in pattern groups.
func NewComplexityScorer(scheme *TierScheme, opts ...ScorerOption) *ComplexityScorer {
	s, err := NewComplexityScorerWithGroups(scheme, DefaultScoreGroups(), opts...)
	if err != nil {
		panic(fmt.Sprintf("router: built-in score groups invalid: %v", err))
	}
	return s
}

// NewComplexityScorerWithGroups creates a scorer with custom pattern groups.
func NewComplexityScorerWithGroups(scheme *TierScheme, groups []PatternGroup, opts ...ScorerOption) (*ComplexityScorer, error) {
	if scheme == nil {
		scheme = DefaultTierScheme()
	}
	compiled, err := compileGroups(groups)
	if err != nil {
		return nil, err
	}
	s := &ComplexityScorer{
		scheme:            scheme,
		groups:            compiled,
		historyTurns:      DefaultHistoryTurns,
		historyCharBudget: DefaultHistoryCharBudget,
		noMatchConfidence: DefaultNoMatchConfidence,
		boundaryMargin:    DefaultBoundaryMargin,
		longRequestWeight: 0.1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Scheme returns the tier scheme the scorer assigns tiers from.
func (s *ComplexityScorer) Scheme() *TierScheme { return s.scheme }

// Score computes the complexity of text. Prior turns in history are scored
// alongside the text, each truncated to the character budget. Empty text
// yields the lowest tier with score 0 and no categories.
func (s *ComplexityScorer) Score(text string, history []types.Message) ScoreResult {
	return s.ScoreWithScheme(text, history, s.scheme)
}

// ScoreWithScheme is Score with tiers assigned from scheme instead of the
// scorer's own.
func (s *ComplexityScorer) ScoreWithScheme(text string, history []types.Message, scheme *TierScheme) ScoreResult {
	if scheme == nil {
		scheme = s.scheme
	}
	if strings.TrimSpace(text) == "" {
		return ScoreResult{Tier: scheme.Lowest(), Score: 0, Confidence: 1}
	}

	segments := append(s.historySegments(history), strings.ToLower(text))

	var score float64
	var categories []string
	for _, g := range s.groups {
		for _, seg := range segments {
			if g.matches(seg) {
				score += g.weight
				categories = append(categories, g.category)
				break
			}
		}
	}

	if s.longRequestWeight > 0 && len(strings.Fields(text)) >= longRequestWords {
		score += s.longRequestWeight
		categories = append(categories, "long_request")
	}

	score = clamp01(score)
	categories = uniqueSorted(categories)

	return ScoreResult{
		Tier:       scheme.ForScore(score),
		Score:      score,
		Categories: categories,
		Confidence: s.confidence(scheme, score, len(categories)),
	}
}

// confidence grows with the number of independent signals and shrinks when
// the score sits close to a tier boundary.
func (s *ComplexityScorer) confidence(scheme *TierScheme, score float64, matched int) float64 {
	if matched == 0 {
		return s.noMatchConfidence
	}
	c := min(0.75+0.1*float64(matched-1), 1.0)
	if s.boundaryMargin > 0 && scheme.boundaryDistance(score) < s.boundaryMargin {
		c *= boundaryPenalty
	}
	return c
}

func (s *ComplexityScorer) historySegments(history []types.Message) []string {
	out := s.historyWindow(history)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// historyWindow returns the last turns the scorer reads, each cut to the
// character budget. Empty turns are skipped.
func (s *ComplexityScorer) historyWindow(history []types.Message) []string {
	if s.historyTurns <= 0 || len(history) == 0 {
		return nil
	}
	start := max(len(history)-s.historyTurns, 0)
	out := make([]string, 0, len(history)-start)
	for _, m := range history[start:] {
		if m.Content == "" {
			continue
		}
		out = append(out, Truncate(m.Content, s.historyCharBudget))
	}
	return out
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 rune.
// n <= 0 means no limit.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// DefaultScoreGroups returns the built-in complexity pattern groups.
// Weights are additive: a request touching several categories scores
// higher than one touching any single category.
func DefaultScoreGroups() []PatternGroup {
	return []PatternGroup{
		{Category: "greeting", Weight: 0, Patterns: []string{
			`^\s*(hi|hello|hey|yo|howdy|hiya|good\s+(morning|afternoon|evening))\b[\s!.,?]*(there)?[\s!.?]*$`,
			`^\s*(thanks|thank\s+you|thx|ok|okay|cool|great)\b[\s!.?]*$`,
		}},
		{Category: "lookup", Weight: 0.1, Patterns: []string{
			`^\s*(what|who|when|where|which)('s|\s+is|\s+are|\s+was|\s+were)\b`,
			`\b(define|definition\s+of|meaning\s+of|synonym\s+for)\b`,
		}},
		{Category: "code", Weight: 0.2, Patterns: []string{
			`\b(code|function|program|script|compiler?|compil(e|es|ed|ing)|class|method|variable|api|library|module|repo|regex)\b`,
			`\b(python|golang|java|javascript|typescript|rust|ruby|php|kotlin|swift|sql|bash)\b`,
			`(^|[\s(])(c\+\+|c#)([\s).,!?]|$)`,
			`\b(in|my|a)\s+c\s+(program|code|project|file)\b`,
		}},
		{Category: "debugging", Weight: 0.45, Patterns: []string{
			`\b(fix|debug|bugs?|errors?|crash(es|ed|ing)?|segfault|segmentation\s+fault|exception|traceback|stack\s?trace|core\s+dump(ed)?|panic(s|ked)?)\b`,
			`\b(not\s+working|broken|failing|fails|doesn't\s+work|won't\s+compile)\b`,
		}},
		{Category: "explanation", Weight: 0.15, Patterns: []string{
			`\b(explain|walk\s+me\s+through|why\s+(does|is|do|did)|how\s+(does|do|did))\b`,
		}},
		{Category: "analysis", Weight: 0.3, Patterns: []string{
			`\b(analy[sz]e|analysis|compare|comparison|evaluate|trade-?offs?|pros\s+and\s+cons|assess(ment)?)\b`,
		}},
		{Category: "architecture", Weight: 0.6, Patterns: []string{
			`\b(architect(ure)?|system\s+design|distributed|microservices?|scalab(le|ility)|high\s+availability|fault[-\s]toleran(t|ce))\b`,
			`\bdesign\s+(a|an|the)\s+(system|service|platform|schema|database)\b`,
		}},
		{Category: "math", Weight: 0.25, Patterns: []string{
			`\b(prove|proof|theorem|lemma|integral|derivative|equations?|matrix|matrices|probability|statistic(s|al))\b`,
		}},
		{Category: "creative", Weight: 0.15, Patterns: []string{
			`\bwrite\s+(a|me\s+a|an)\s+(story|poem|song|essay|haiku|limerick)\b`,
			`\b(brainstorm|slogan|tagline)\b`,
		}},
		{Category: "planning", Weight: 0.3, Patterns: []string{
			`\b(roadmap|migrat(e|ion)|step[-\s]by[-\s]step|implementation\s+plan|project\s+plan)\b`,
		}},
		{Category: "security", Weight: 0.3, Patterns: []string{
			`\b(security|vulnerab(le|ility|ilities)|exploit|cve|threat\s+model|encrypt(ion)?|authenticat(e|ion)|authoriz(e|ation))\b`,
		}},
		{Category: "performance", Weight: 0.25, Patterns: []string{
			`\b(optimi[sz]e|performance|latency|throughput|bottleneck|profil(e|ing)|benchmark)\b`,
		}},
		{Category: "systems", Weight: 0.1, Patterns: []string{
			`\b(segfault|segmentation\s+fault|memory\s+leak|race\s+condition|deadlock|undefined\s+behaviou?r|pointers?|kernel|concurrency)\b`,
		}},
	}
}
