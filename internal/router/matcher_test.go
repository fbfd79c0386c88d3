package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/intentrouter/pkg/types"
)

func TestToolMatcher_Text(t *testing.T) {
	m := NewToolMatcher()
	all := types.NewToolSet(types.ToolWebSearch, types.ToolExecuteCode, types.ToolFileSearch,
		types.ToolStructuredData, types.ToolImageGeneration, types.ToolCalculator)

	tests := []struct {
		name  string
		input string
		want  []types.ToolID
	}{
		{"weather", "what's today's weather", []types.ToolID{types.ToolWebSearch}},
		{"explicit web search", "search the web for golang release notes", []types.ToolID{types.ToolWebSearch}},
		{"run code", "run this script and show me the output", []types.ToolID{types.ToolExecuteCode}},
		{"image", "generate an image of a lighthouse", []types.ToolID{types.ToolImageGeneration}},
		{"arithmetic", "what is 17 * 23", []types.ToolID{types.ToolCalculator}},
		{"debugging needs no tool", "fix this segfault in my C program", []types.ToolID{}},
		{"greeting", "hi", []types.ToolID{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Match(tt.input, nil, all)
			assert.Equal(t, tt.want, res.Tools.Sorted())
		})
	}
}

func TestToolMatcher_Confidence(t *testing.T) {
	m := NewToolMatcher()

	t.Run("no signal", func(t *testing.T) {
		res := m.Match("fix this segfault in my C program", nil, nil)
		assert.Equal(t, noToolSignalConfidence, res.Confidence)
	})

	t.Run("strong signal", func(t *testing.T) {
		res := m.Match("what's today's weather", nil, nil)
		assert.InDelta(t, 0.96, res.Confidence, 1e-9)
	})

	t.Run("weak candidate lowers confidence", func(t *testing.T) {
		res := m.Match("search for cats", nil, nil)
		assert.Empty(t, res.Tools)
		assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	})
}

func TestToolMatcher_AvailableFilterIsLast(t *testing.T) {
	m := NewToolMatcher()

	res := m.Match("what's today's weather", nil, types.NewToolSet(types.ToolCalculator))
	assert.Empty(t, res.Tools, "unavailable tool must never be returned")

	csv := []types.ResourceMeta{{Name: "sales.csv"}}
	res = m.Match("hello", csv, types.NewToolSet(types.ToolWebSearch))
	assert.Empty(t, res.Tools)
	assert.Empty(t, res.Authoritative)
}

func TestToolMatcher_ResourceRules(t *testing.T) {
	m := NewToolMatcher()

	tests := []struct {
		name string
		res  types.ResourceMeta
		want types.ToolID
	}{
		{"csv by name", types.ResourceMeta{Name: "Q3 Sales.CSV"}, types.ToolStructuredData},
		{"xlsx by extension", types.ResourceMeta{Extension: ".xlsx"}, types.ToolStructuredData},
		{"spreadsheet mime", types.ResourceMeta{MIMEType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}, types.ToolStructuredData},
		{"pdf mime", types.ResourceMeta{MIMEType: "application/pdf"}, types.ToolFileSearch},
		{"markdown", types.ResourceMeta{Name: "notes.md"}, types.ToolFileSearch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Match("take a look", []types.ResourceMeta{tt.res}, nil)
			assert.True(t, res.Tools.Has(tt.want), "tools = %v", res.Tools.Sorted())
			assert.True(t, res.Authoritative.Has(tt.want))
			assert.Equal(t, 0.95, res.Confidence)
		})
	}

	res := m.Match("take a look", []types.ResourceMeta{{Name: "photo.png", MIMEType: "image/png"}}, nil)
	assert.Empty(t, res.Tools)
}

func TestToolMatcher_ConditionRules(t *testing.T) {
	rules := []ResourceRule{
		{Tool: "large_file_search", Extensions: []string{"bin"}, Condition: "size > 1000"},
		{Tool: "report_reader", Condition: `name startsWith "report"`},
	}
	m, err := NewToolMatcherWithRules(nil, rules)
	require.NoError(t, err)

	res := m.Match("", []types.ResourceMeta{{Name: "dump.bin", Size: 2000}}, nil)
	assert.True(t, res.Tools.Has("large_file_search"))

	res = m.Match("", []types.ResourceMeta{{Name: "dump.bin", Size: 10}}, nil)
	assert.False(t, res.Tools.Has("large_file_search"))

	res = m.Match("", []types.ResourceMeta{{Name: "report-2024.xyz"}}, nil)
	assert.True(t, res.Tools.Has("report_reader"))
}

func TestToolMatcher_Resources(t *testing.T) {
	m := NewToolMatcher()
	in := []types.ResourceMeta{
		{Name: "export", MIMEType: "text/csv"},
		{Name: "notes.odt"},
		{Name: "budget.ods"},
		{Name: "data.json"},
		{Name: "readme", MIMEType: "text/plain; charset=utf-8"},
	}

	tables := m.Resources(types.ToolStructuredData, in)
	assert.Equal(t, []types.ResourceMeta{in[0], in[2]}, tables)

	docs := m.Resources(types.ToolFileSearch, in)
	assert.Equal(t, []types.ResourceMeta{in[1], in[4]}, docs)

	assert.Empty(t, m.Resources(types.ToolWebSearch, in))

	// Every attachment Resources assigns to a tool also selects it in Match.
	for _, res := range in {
		for _, id := range []types.ToolID{types.ToolStructuredData, types.ToolFileSearch} {
			if len(m.Resources(id, []types.ResourceMeta{res})) > 0 {
				assert.True(t, m.Match("", []types.ResourceMeta{res}, nil).Authoritative.Has(id), "%s for %+v", id, res)
			}
		}
	}
}

func TestNewToolMatcherWithRules_Invalid(t *testing.T) {
	_, err := NewToolMatcherWithRules([]ToolPatternGroup{{Tool: "x", Weight: 1, Patterns: []string{"["}}}, nil)
	assert.Error(t, err)

	_, err = NewToolMatcherWithRules(nil, []ResourceRule{{Tool: "x", Condition: "size >"}})
	assert.Error(t, err)

	_, err = NewToolMatcherWithRules([]ToolPatternGroup{{Tool: "x", Weight: -0.1}}, nil)
	assert.Error(t, err)
}
