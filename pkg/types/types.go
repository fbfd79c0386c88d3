// Package types defines value types shared by the router and the tool
// orchestrator.
package types

import (
	"path/filepath"
	"sort"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN ESTIMATION
// ═══════════════════════════════════════════════════════════════════════════════

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
// This is a common approximation for English text with LLM tokenizers.
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
// Non-empty text always counts as at least one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / CharsPerToken
	if n == 0 {
		return 1
	}
	return n
}

// ═══════════════════════════════════════════════════════════════════════════════
// TOOLS
// ═══════════════════════════════════════════════════════════════════════════════

// ToolID identifies an auxiliary capability that may be activated for a turn.
type ToolID string

// Well-known tool identifiers.
const (
	ToolWebSearch       ToolID = "web_search"
	ToolExecuteCode     ToolID = "execute_code"
	ToolFileSearch      ToolID = "file_search"
	ToolStructuredData  ToolID = "structured_data"
	ToolImageGeneration ToolID = "image_generation"
	ToolCalculator      ToolID = "calculator"
)

// ToolSet is an unordered set of tool identifiers.
type ToolSet map[ToolID]struct{}

// NewToolSet builds a set from ids.
func NewToolSet(ids ...ToolID) ToolSet {
	s := make(ToolSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s ToolSet) Has(id ToolID) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id into the set.
func (s ToolSet) Add(id ToolID) {
	s[id] = struct{}{}
}

// Sorted returns the members in lexical order.
func (s ToolSet) Sorted() []ToolID {
	out := make([]ToolID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// REQUEST TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResourceMeta describes an attachment on the current turn. Only metadata is
// carried; the router never reads file contents.
type ResourceMeta struct {
	Name      string `json:"name,omitempty"`
	Extension string `json:"extension,omitempty"` // lowercase, no leading dot
	MIMEType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// NormalizedExtension returns the extension in lowercase without a dot,
// falling back to the file name when Extension is unset.
func (r ResourceMeta) NormalizedExtension() string {
	ext := r.Extension
	if ext == "" && r.Name != "" {
		ext = filepath.Ext(r.Name)
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
