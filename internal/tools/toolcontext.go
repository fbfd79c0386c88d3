package tools

import (
	"fmt"
	"strings"

	"github.com/normanking/intentrouter/pkg/types"
)

// contribution is one tool's context contribution with its request position.
type contribution struct {
	index int
	id    types.ToolID
	ContextContribution
}

// mergeContexts keys contributions by tool id. Contributions that share a
// consumer are concatenated under the first contributing tool in request
// order, behind an instruction naming every contributor. Contributions
// with no consumer are never merged.
func mergeContexts(contribs []contribution) map[types.ToolID]string {
	out := make(map[types.ToolID]string)
	if len(contribs) == 0 {
		return out
	}

	byConsumer := make(map[string][]contribution)
	var order []string
	for _, c := range contribs {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		if c.Consumer == "" {
			out[c.id] = c.Text
			continue
		}
		if _, ok := byConsumer[c.Consumer]; !ok {
			order = append(order, c.Consumer)
		}
		byConsumer[c.Consumer] = append(byConsumer[c.Consumer], c)
	}

	for _, consumer := range order {
		group := byConsumer[consumer]
		if len(group) == 1 {
			out[group[0].id] = group[0].Text
			continue
		}
		out[group[0].id] = synthesize(consumer, group)
	}
	return out
}

func synthesize(consumer string, group []contribution) string {
	names := make([]string, len(group))
	for i, c := range group {
		names[i] = string(c.id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Multiple tools provide %s context: %s. All of them are available for this turn; "+
		"use the instructions below together and pick the tool that fits each part of the task.\n",
		consumer, strings.Join(names, ", "))
	for _, c := range group {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", c.id, strings.TrimSpace(c.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}
