package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/normanking/intentrouter/pkg/types"
)

// DefaultToolSelectThreshold is the summed group weight at which a tool is
// selected from text signals alone.
const DefaultToolSelectThreshold = 0.5

// noToolSignalConfidence is reported when no tool signal fired at all.
const noToolSignalConfidence = 0.9

// ToolPatternGroup is a weighted set of patterns that votes for one tool.
type ToolPatternGroup struct {
	Tool     types.ToolID `mapstructure:"tool" yaml:"tool"`
	Weight   float64      `mapstructure:"weight" yaml:"weight"`
	Patterns []string     `mapstructure:"patterns" yaml:"patterns"`
}

// ResourceRule maps attachment metadata to a tool. A matching rule selects
// its tool regardless of the request text.
//
// An attachment matches when its extension is listed or its MIME type has
// one of the listed prefixes, and Condition (an expr-lang boolean over
// name, ext, mime and size) evaluates true. A rule with no extensions and
// no MIME prefixes matches on Condition alone.
type ResourceRule struct {
	Tool         types.ToolID `mapstructure:"tool" yaml:"tool"`
	Extensions   []string     `mapstructure:"extensions" yaml:"extensions"`
	MIMEPrefixes []string     `mapstructure:"mime_prefixes" yaml:"mime_prefixes"`
	Condition    string       `mapstructure:"condition" yaml:"condition,omitempty"`
}

type compiledToolGroup struct {
	tool     types.ToolID
	weight   float64
	patterns []*regexp.Regexp
}

type compiledRule struct {
	tool       types.ToolID
	extensions map[string]struct{}
	mimes      []string
	program    *vm.Program
}

func (r compiledRule) matches(res types.ResourceMeta) bool {
	ext := res.NormalizedExtension()
	mime := strings.ToLower(res.MIMEType)

	typed := len(r.extensions) == 0 && len(r.mimes) == 0
	if _, ok := r.extensions[ext]; ok && ext != "" {
		typed = true
	}
	for _, p := range r.mimes {
		if mime != "" && strings.HasPrefix(mime, p) {
			typed = true
			break
		}
	}
	if !typed {
		return false
	}
	if r.program == nil {
		return true
	}

	out, err := expr.Run(r.program, map[string]any{
		"name": res.Name,
		"ext":  ext,
		"mime": mime,
		"size": res.Size,
	})
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// ToolMatcher maps request text and attachments to candidate tools. It is
// stateless after construction and safe for concurrent use.
type ToolMatcher struct {
	groups    []compiledToolGroup
	rules     []compiledRule
	threshold float64
}

// MatcherOption configures a ToolMatcher.
type MatcherOption func(*ToolMatcher)

// WithToolSelectThreshold overrides DefaultToolSelectThreshold.
func WithToolSelectThreshold(t float64) MatcherOption {
	return func(m *ToolMatcher) {
		m.threshold = t
	}
}

// NewToolMatcher creates a matcher with the built-in groups and rules.
func NewToolMatcher(opts ...MatcherOption) *ToolMatcher {
	m, err := NewToolMatcherWithRules(DefaultToolGroups(), DefaultResourceRules(), opts...)
	if err != nil {
		panic(fmt.Sprintf("router: built-in tool rules invalid: %v", err))
	}
	return m
}

// NewToolMatcherWithRules creates a matcher with custom groups and rules.
func NewToolMatcherWithRules(groups []ToolPatternGroup, rules []ResourceRule, opts ...MatcherOption) (*ToolMatcher, error) {
	m := &ToolMatcher{threshold: DefaultToolSelectThreshold}

	for _, g := range groups {
		if g.Weight < 0 {
			return nil, fmt.Errorf("tool group %q: negative weight %g", g.Tool, g.Weight)
		}
		cg := compiledToolGroup{tool: g.Tool, weight: g.Weight}
		for _, p := range g.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("tool group %q: %w", g.Tool, err)
			}
			cg.patterns = append(cg.patterns, re)
		}
		m.groups = append(m.groups, cg)
	}

	for _, r := range rules {
		cr := compiledRule{tool: r.Tool, extensions: make(map[string]struct{})}
		for _, e := range r.Extensions {
			cr.extensions[strings.ToLower(strings.TrimPrefix(e, "."))] = struct{}{}
		}
		for _, p := range r.MIMEPrefixes {
			cr.mimes = append(cr.mimes, strings.ToLower(p))
		}
		if r.Condition != "" {
			program, err := expr.Compile(r.Condition, expr.AllowUndefinedVariables(), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("resource rule for %q: %w", r.Tool, err)
			}
			cr.program = program
		}
		m.rules = append(m.rules, cr)
	}

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Match returns the tools suggested by text and attachments. Resource rules
// are authoritative. Text groups are summed per tool and a tool is selected
// once its support reaches the select threshold. Weak candidates that never
// reach it lower the confidence. The available set is applied last; a nil
// set disables filtering.
func (m *ToolMatcher) Match(text string, attachments []types.ResourceMeta, available types.ToolSet) ToolMatchResult {
	lower := strings.ToLower(text)

	support := make(map[types.ToolID]float64)
	for _, g := range m.groups {
		for _, re := range g.patterns {
			if re.MatchString(lower) {
				support[g.tool] += g.weight
				break
			}
		}
	}

	authoritative := types.NewToolSet()
	for _, res := range attachments {
		for _, r := range m.rules {
			if r.matches(res) {
				authoritative.Add(r.tool)
			}
		}
	}

	selected := types.NewToolSet()
	confidence := 1.0
	signals := 0

	for id := range authoritative {
		selected.Add(id)
		confidence = min(confidence, 0.95)
		signals++
	}
	for id, s := range support {
		if authoritative.Has(id) || s == 0 {
			continue
		}
		signals++
		if s >= m.threshold {
			selected.Add(id)
			confidence = min(confidence, 0.6+0.4*min(s, 1))
		} else {
			confidence = min(confidence, 0.9-s)
		}
	}
	if signals == 0 {
		confidence = noToolSignalConfidence
	}

	result := ToolMatchResult{
		Tools:         types.NewToolSet(),
		Authoritative: types.NewToolSet(),
		Confidence:    clamp01(confidence),
	}
	for id := range selected {
		if available != nil && !available.Has(id) {
			continue
		}
		result.Tools.Add(id)
		if authoritative.Has(id) {
			result.Authoritative.Add(id)
		}
	}
	return result
}

// Resources returns the attachments that a resource rule assigns to tool,
// in input order. The tool loader uses it so that a tool selected from an
// attachment can always be built from that attachment.
func (m *ToolMatcher) Resources(tool types.ToolID, attachments []types.ResourceMeta) []types.ResourceMeta {
	var out []types.ResourceMeta
	for _, res := range attachments {
		for _, r := range m.rules {
			if r.tool == tool && r.matches(res) {
				out = append(out, res)
				break
			}
		}
	}
	return out
}

// DefaultToolGroups returns the built-in tool intent groups.
func DefaultToolGroups() []ToolPatternGroup {
	return []ToolPatternGroup{
		{Tool: types.ToolWebSearch, Weight: 0.8, Patterns: []string{
			`\b(search|look\s+up|google|browse)\b.{0,30}\b(web|online|internet)\b`,
		}},
		{Tool: types.ToolWebSearch, Weight: 0.6, Patterns: []string{
			`\b(weather|forecast|stock\s+price|exchange\s+rate|headlines|news|sports?\s+scores?)\b`,
		}},
		{Tool: types.ToolWebSearch, Weight: 0.3, Patterns: []string{
			`\b(today'?s?|tonight|right\s+now|latest|current(ly)?|recent(ly)?|this\s+week|yesterday)\b`,
		}},
		{Tool: types.ToolWebSearch, Weight: 0.3, Patterns: []string{
			`\b(search\s+for|look\s+up|find\s+out)\b`,
		}},
		{Tool: types.ToolExecuteCode, Weight: 0.7, Patterns: []string{
			`\b(run|execute)\s+(this|the|my)?\s*(code|script|snippet|program)\b`,
		}},
		{Tool: types.ToolExecuteCode, Weight: 0.5, Patterns: []string{
			`\b(plot|chart|graph)\b.{0,30}\b(data|values|results)\b`,
		}},
		{Tool: types.ToolExecuteCode, Weight: 0.3, Patterns: []string{
			`\b(calculate|compute|simulate)\b`,
		}},
		{Tool: types.ToolFileSearch, Weight: 0.6, Patterns: []string{
			`\b(in|from)\s+(the|this|my)\s+(attached\s+|uploaded\s+)?(document|file|pdf|docs?)\b`,
		}},
		{Tool: types.ToolFileSearch, Weight: 0.4, Patterns: []string{
			`\b(summari[sz]e|quote|cite)\b.{0,30}\b(document|file|pdf|attachment)\b`,
		}},
		{Tool: types.ToolFileSearch, Weight: 0.3, Patterns: []string{
			`\b(attach(ed|ment)|uploaded)\b`,
		}},
		{Tool: types.ToolStructuredData, Weight: 0.6, Patterns: []string{
			`\b(spreadsheet|csv|excel|xlsx|dataframe|pivot\s+table)\b`,
		}},
		{Tool: types.ToolStructuredData, Weight: 0.3, Patterns: []string{
			`\b(columns?|rows?)\b.{0,20}\b(sum|average|total|filter)\b`,
		}},
		{Tool: types.ToolImageGeneration, Weight: 0.7, Patterns: []string{
			`\b(generate|create|draw|make|paint|render)\s+(me\s+)?(an?\s+)?(image|picture|illustration|drawing|logo|icon)\b`,
		}},
		{Tool: types.ToolImageGeneration, Weight: 0.3, Patterns: []string{
			`\b(dall-?e|midjourney|stable\s+diffusion)\b`,
		}},
		{Tool: types.ToolCalculator, Weight: 0.6, Patterns: []string{
			`\d+(\.\d+)?\s*[+*/^×]\s*\d+(\.\d+)?`,
			`\d+(\.\d+)?\s+-\s+\d+(\.\d+)?`,
		}},
		{Tool: types.ToolCalculator, Weight: 0.3, Patterns: []string{
			`\b(percent(age)?\s+of|square\s+root|convert\s+\d)`,
		}},
	}
}

// DefaultResourceRules returns the built-in attachment rules.
func DefaultResourceRules() []ResourceRule {
	return []ResourceRule{
		{
			Tool:       types.ToolStructuredData,
			Extensions: []string{"csv", "tsv", "xlsx", "xls", "ods", "parquet"},
			MIMEPrefixes: []string{
				"text/csv",
				"text/tab-separated-values",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml",
			},
		},
		{
			Tool:       types.ToolFileSearch,
			Extensions: []string{"pdf", "docx", "doc", "txt", "md", "rtf", "odt", "html"},
			MIMEPrefixes: []string{
				"application/pdf",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml",
				"text/plain",
				"text/markdown",
			},
		},
	}
}
