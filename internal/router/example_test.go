package router_test

import (
	"context"
	"fmt"

	"github.com/normanking/intentrouter/internal/router"
	"github.com/normanking/intentrouter/pkg/types"
)

// ExampleRouter_Route demonstrates routing without a fallback classifier.
func ExampleRouter_Route() {
	cache := router.NewPolicyCache(router.NewPolicyFactory(nil, nil, router.DefaultPresets()))
	policy, err := cache.GetPolicy("openai", "balanced")
	if err != nil {
		panic(err)
	}

	r := router.NewRouter()
	d, _ := r.Route(context.Background(), router.Request{Text: "fix this segfault in my C program"}, policy)

	fmt.Printf("Tier: %s\n", d.TierName)
	fmt.Printf("Model: %s\n", d.ModelID)
	fmt.Printf("Tools: %v\n", d.Tools)
	fmt.Printf("Fallback: %v\n", d.UsedFallback)

	// Output:
	// Tier: complex
	// Model: claude-sonnet-4
	// Tools: []
	// Fallback: false
}

// ExampleRouter_Route_tools demonstrates the tool-use tier floor.
func ExampleRouter_Route_tools() {
	policy, _ := router.NewPolicyFactory(nil, nil, router.DefaultPresets()).Build("openai", "balanced")
	r := router.NewRouter()

	d, _ := r.Route(context.Background(), router.Request{
		Text:           "what's today's weather",
		AvailableTools: types.NewToolSet(types.ToolWebSearch),
	}, policy)

	fmt.Printf("Tier: %s\n", d.TierName)
	fmt.Printf("Tools: %v\n", d.Tools)

	// Output:
	// Tier: moderate
	// Tools: [web_search]
}

// ExampleParseClassification demonstrates decoding a free-text classifier answer.
func ExampleParseClassification() {
	vocab := router.Vocabulary{
		Scheme: router.DefaultTierScheme(),
		Tools:  []types.ToolID{types.ToolWebSearch, types.ToolFileSearch},
	}
	c := router.ParseClassification("I'd say this is Complex. It needs web search.", vocab)

	fmt.Println(vocab.Scheme.Name(c.Tier), c.Tools.Sorted())

	// Output:
	// complex [web_search]
}
