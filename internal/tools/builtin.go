package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/normanking/intentrouter/pkg/types"
)

// Context consumers shared by the built-in tools.
const (
	ConsumerFiles          = "files"
	ConsumerStructuredData = "structured_data"
)

// DefaultDefinitions returns the built-in tool definitions.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			ID:          types.ToolWebSearch,
			Description: "Search the web for current information",
			Credentials: []CredentialField{
				{Name: "SEARCH_API_KEY", Alternates: []string{"SERPER_API_KEY", "TAVILY_API_KEY"}},
				{Name: "SEARCH_PROVIDER", Default: "serper"},
			},
			Construct: func(_ context.Context, creds Credentials) (Tool, error) {
				return &Instance{
					ID:          types.ToolWebSearch,
					Desc:        "Search the web for current information",
					Provider:    creds["SEARCH_PROVIDER"],
					Credentials: creds,
				}, nil
			},
		},
		{
			ID:          types.ToolImageGeneration,
			Description: "Generate images from a text prompt",
			Credentials: []CredentialField{
				{Name: "IMAGE_API_KEY", Alternates: []string{"OPENAI_API_KEY"}},
				{Name: "IMAGE_MODEL", Default: "dall-e-3"},
			},
			Construct: func(_ context.Context, creds Credentials) (Tool, error) {
				return &Instance{
					ID:          types.ToolImageGeneration,
					Desc:        "Generate images from a text prompt",
					Provider:    creds["IMAGE_MODEL"],
					Credentials: creds,
				}, nil
			},
		},
		{
			ID:          types.ToolCalculator,
			Description: "Evaluate arithmetic expressions exactly",
			Construct: func(_ context.Context, _ Credentials) (Tool, error) {
				return &Instance{ID: types.ToolCalculator, Desc: "Evaluate arithmetic expressions exactly"}, nil
			},
		},
		{
			ID:          types.ToolExecuteCode,
			Description: "Run code in a sandbox",
			Credentials: []CredentialField{
				{Name: "CODE_EXECUTOR_API_KEY"},
			},
			Initialize: initExecuteCode,
		},
		{
			ID:          types.ToolFileSearch,
			Description: "Search the contents of attached documents",
			Initialize:  initFileSearch,
		},
		{
			ID:          types.ToolStructuredData,
			Description: "Query attached tabular data",
			Initialize:  initStructuredData,
		},
	}
}

// NewDefaultRegistry returns a registry holding DefaultDefinitions.
func NewDefaultRegistry() *Registry {
	return NewRegistry().MustRegister(DefaultDefinitions()...)
}

// initExecuteCode makes every attachment available to the sandbox.
func initExecuteCode(_ context.Context, req LoadRequest, creds Credentials) (Tool, *ContextContribution, error) {
	t := &Instance{
		ID:          types.ToolExecuteCode,
		Desc:        "Run code in a sandbox",
		Credentials: creds,
		Attachments: req.Attachments,
	}
	if len(req.Attachments) == 0 {
		return t, nil, nil
	}
	text := "Files available in the code sandbox working directory:\n" + listFiles(req.Attachments)
	return t, &ContextContribution{Consumer: ConsumerFiles, Text: text}, nil
}

// initFileSearch indexes document attachments. Without documents there is
// nothing to search, so the tool is unavailable.
func initFileSearch(_ context.Context, req LoadRequest, _ Credentials) (Tool, *ContextContribution, error) {
	docs := req.AttachmentsFor(types.ToolFileSearch)
	if len(docs) == 0 {
		return nil, nil, fmt.Errorf("%w: no document attachments", ErrToolUnavailable)
	}
	t := &Instance{
		ID:          types.ToolFileSearch,
		Desc:        "Search the contents of attached documents",
		Attachments: docs,
	}
	text := "These documents are indexed for file_search; cite the file name when quoting them:\n" + listFiles(docs)
	return t, &ContextContribution{Consumer: ConsumerFiles, Text: text}, nil
}

func initStructuredData(_ context.Context, req LoadRequest, _ Credentials) (Tool, *ContextContribution, error) {
	tables := req.AttachmentsFor(types.ToolStructuredData)
	if len(tables) == 0 {
		return nil, nil, fmt.Errorf("%w: no tabular attachments", ErrToolUnavailable)
	}
	t := &Instance{
		ID:          types.ToolStructuredData,
		Desc:        "Query attached tabular data",
		Attachments: tables,
	}
	text := "Query these tables with structured_data instead of reading them inline:\n" + listFiles(tables)
	return t, &ContextContribution{Consumer: ConsumerStructuredData, Text: text}, nil
}

func listFiles(files []types.ResourceMeta) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "- %s", f.Name)
		if f.Size > 0 {
			fmt.Fprintf(&b, " (%d bytes)", f.Size)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
