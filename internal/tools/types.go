// Package tools resolves requested tool ids into loaded tool handles.
//
// Each id resolves through, in order: a bespoke initializer (tools that
// inspect the turn's attachments), a simple constructor from the registry,
// or a remote tool provider when the id follows the provider naming
// convention. Built-in tools are constructed concurrently; remote providers
// are resolved one at a time. Failures omit a tool; they never fail a load.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/normanking/intentrouter/internal/router"
	"github.com/normanking/intentrouter/pkg/types"
)

// Tool is a loaded, inert tool handle. Loading never invokes a tool.
type Tool interface {
	// Name returns the tool identifier.
	Name() types.ToolID

	// Description is a one-line summary for model tool listings.
	Description() string
}

// Instance is the Tool produced by built-in constructors.
type Instance struct {
	ID          types.ToolID
	Desc        string
	Provider    string
	Credentials Credentials
	Attachments []types.ResourceMeta
}

// Name implements Tool.
func (i *Instance) Name() types.ToolID { return i.ID }

// Description implements Tool.
func (i *Instance) Description() string { return i.Desc }

// Credential returns a resolved credential value.
func (i *Instance) Credential(field string) string { return i.Credentials[field] }

// Credentials are resolved credential values keyed by canonical field name.
type Credentials map[string]string

// CredentialField declares one credential a tool needs. Alternates are
// tried in order when Name is unset. A field with a Default, or marked
// Optional, never blocks loading.
type CredentialField struct {
	Name       string
	Alternates []string
	Default    string
	Optional   bool
}

func (f CredentialField) names() []string {
	return append([]string{f.Name}, f.Alternates...)
}

// ContextContribution is instruction text a tool adds to the system prompt.
// Contributions sharing a Consumer are merged instead of overwritten.
type ContextContribution struct {
	Consumer string
	Text     string
}

// AttachmentMatcher picks the attachments a tool can work with. It is
// satisfied by *router.ToolMatcher, so loading and routing share one set of
// resource rules.
type AttachmentMatcher interface {
	Resources(tool types.ToolID, attachments []types.ResourceMeta) []types.ResourceMeta
}

var defaultAttachmentMatcher = sync.OnceValue(func() AttachmentMatcher {
	return router.NewToolMatcher()
})

// LoadRequest is the request-scoped input to a load.
type LoadRequest struct {
	UserID      string
	Attachments []types.ResourceMeta

	// Matcher selects attachments for bespoke tools. The orchestrator's
	// matcher is used when nil, and the built-in resource rules after that.
	Matcher AttachmentMatcher

	// LoadID correlates log lines; generated when empty.
	LoadID string
}

// AttachmentsFor returns the attachments Matcher assigns to tool.
func (r LoadRequest) AttachmentsFor(tool types.ToolID) []types.ResourceMeta {
	m := r.Matcher
	if m == nil {
		m = defaultAttachmentMatcher()
	}
	return m.Resources(tool, r.Attachments)
}

// Constructor builds a simple tool from its resolved credentials.
type Constructor func(ctx context.Context, creds Credentials) (Tool, error)

// Initializer builds a tool that needs request-scoped input. It may return
// a context contribution alongside the tool.
type Initializer func(ctx context.Context, req LoadRequest, creds Credentials) (Tool, *ContextContribution, error)

// Definition registers one built-in tool. Exactly one of Initialize or
// Construct must be set.
type Definition struct {
	ID          types.ToolID
	Description string
	Credentials []CredentialField
	Initialize  Initializer
	Construct   Constructor
}

// Bespoke reports whether the tool uses request-scoped initialization.
func (d Definition) Bespoke() bool { return d.Initialize != nil }

// CredentialResolver returns the value of the first of fields that is set
// for userID.
type CredentialResolver func(ctx context.Context, userID string, fields []string) (string, bool)

// ProviderResolver reaches remote tool providers.
type ProviderResolver interface {
	// ResolveTool fetches one named tool from provider.
	ResolveTool(ctx context.Context, provider, tool string) (Tool, error)

	// ResolveAll fetches every tool provider offers in one call.
	ResolveAll(ctx context.Context, provider string) ([]Tool, error)
}

// OmitReason says why a requested tool was not loaded.
type OmitReason string

const (
	OmitUnknown         OmitReason = "unknown"          // id matches nothing
	OmitCredentials     OmitReason = "credentials"      // required credential missing
	OmitConstructor     OmitReason = "constructor"      // constructor failed or panicked
	OmitProvider        OmitReason = "provider"         // provider call failed
	OmitProviderSkipped OmitReason = "provider_skipped" // provider failed earlier in this load
	OmitCancelled       OmitReason = "cancelled"        // caller cancelled before resolution
)

// Omission records one tool that was not loaded.
type Omission struct {
	ID     types.ToolID
	Reason OmitReason
	Err    error
}

// LoadResult is the outcome of a load.
type LoadResult struct {
	// Tools are the loaded tools in request order. Bulk provider loads
	// appear at the position of their request.
	Tools []Tool

	// ToolContext holds context strings keyed by contributing tool.
	ToolContext map[types.ToolID]string

	Omitted []Omission
}

// Names returns the ids of the loaded tools.
func (r LoadResult) Names() []types.ToolID {
	out := make([]types.ToolID, len(r.Tools))
	for i, t := range r.Tools {
		out[i] = t.Name()
	}
	return out
}

var (
	// ErrToolUnavailable marks a tool that could not be constructed.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrProviderUnreachable marks a remote provider that failed.
	ErrProviderUnreachable = errors.New("tool provider unreachable")

	// ErrMissingCredentials marks a tool whose required credentials are unset.
	ErrMissingCredentials = errors.New("missing credentials")
)

// missingCredentialError names the field that could not be resolved.
func missingCredentialError(id types.ToolID, f CredentialField) error {
	return fmt.Errorf("%w: %s needs one of %v", ErrMissingCredentials, id, f.names())
}
