package router

import "sort"

// DefaultOutputRatio is the assumed output:input token ratio when pricing a
// request before it has been answered.
const DefaultOutputRatio = 3.0

// PricingEntry is the unit cost of one model, in dollars per 1K tokens.
type PricingEntry struct {
	ModelID        string  `mapstructure:"model_id" yaml:"model_id"`
	InputUnitCost  float64 `mapstructure:"input_unit_cost" yaml:"input_unit_cost"`
	OutputUnitCost float64 `mapstructure:"output_unit_cost" yaml:"output_unit_cost"`
	Tier           string  `mapstructure:"tier" yaml:"tier"`
}

// PricingTable is an immutable model-id keyed price list.
type PricingTable struct {
	entries map[string]PricingEntry
}

// NewPricingTable builds a table. Later entries for the same model replace
// earlier ones.
func NewPricingTable(entries []PricingEntry) *PricingTable {
	p := &PricingTable{entries: make(map[string]PricingEntry, len(entries))}
	for _, e := range entries {
		p.entries[e.ModelID] = e
	}
	return p
}

// DefaultPricingEntries returns the built-in price list.
func DefaultPricingEntries() []PricingEntry {
	return []PricingEntry{
		{ModelID: "llama3.2:3b", InputUnitCost: 0, OutputUnitCost: 0, Tier: "simple"},
		{ModelID: "gpt-4o-mini", InputUnitCost: 0.00015, OutputUnitCost: 0.0006, Tier: "simple"},
		{ModelID: "claude-3-5-haiku", InputUnitCost: 0.0008, OutputUnitCost: 0.004, Tier: "moderate"},
		{ModelID: "gpt-4o", InputUnitCost: 0.0025, OutputUnitCost: 0.01, Tier: "complex"},
		{ModelID: "claude-sonnet-4", InputUnitCost: 0.003, OutputUnitCost: 0.015, Tier: "complex"},
		{ModelID: "claude-opus-4", InputUnitCost: 0.015, OutputUnitCost: 0.075, Tier: "expert"},
		{ModelID: "o3", InputUnitCost: 0.002, OutputUnitCost: 0.008, Tier: "expert"},
	}
}

// DefaultPricingTable returns a table of DefaultPricingEntries.
func DefaultPricingTable() *PricingTable {
	return NewPricingTable(DefaultPricingEntries())
}

// Lookup returns the entry for model.
func (p *PricingTable) Lookup(model string) (PricingEntry, bool) {
	if p == nil {
		return PricingEntry{}, false
	}
	e, ok := p.entries[model]
	return e, ok
}

// Entries returns all entries sorted by model id.
func (p *PricingTable) Entries() []PricingEntry {
	out := make([]PricingEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// CostForTokens prices a known token count. Unknown models cost zero.
func (p *PricingTable) CostForTokens(model string, inputTokens, outputTokens int) float64 {
	e, ok := p.Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*e.InputUnitCost + float64(outputTokens)/1000*e.OutputUnitCost
}

// EstimateCost prices a request before it is answered, assuming
// DefaultOutputRatio output tokens per input token.
func (p *PricingTable) EstimateCost(model string, inputTokens int) float64 {
	return p.CostForTokens(model, inputTokens, int(float64(inputTokens)*DefaultOutputRatio))
}

// CostDelta is the estimated cost of serving inputTokens on routed minus
// the cost on current. Negative values are savings. An unknown current
// model is treated as free, so the delta is the full routed cost.
func (p *PricingTable) CostDelta(current, routed string, inputTokens int) float64 {
	return p.EstimateCost(routed, inputTokens) - p.EstimateCost(current, inputTokens)
}
