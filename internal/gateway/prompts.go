package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/quarrylabs/quarry/internal/mcp"
)

// researchPrompts is the static prompt catalog. Content is data; the server
// only serves it.
var researchPrompts = []promptEntry{
	{
		def: mcp.Prompt{
			Name:        "deep_research",
			Description: "Multi-step research workflow: search, scrape top sources, track findings with sequential_search.",
			Arguments: []mcp.PromptArgument{
				{Name: "topic", Description: "Research topic", Required: true},
				{Name: "depth", Description: "Number of research iterations (default 3)"},
			},
		},
		template: "Research the topic %q in depth. Use search_and_scrape for broad coverage, " +
			"scrape_page for specific sources, and record each step with sequential_search. " +
			"Cite every claim with its source URL.",
		arg: "topic",
	},
	{
		def: mcp.Prompt{
			Name:        "source_check",
			Description: "Verify a claim against primary sources.",
			Arguments: []mcp.PromptArgument{
				{Name: "claim", Description: "Claim to verify", Required: true},
			},
		},
		template: "Verify the following claim against primary sources: %q. " +
			"Prefer academic_search and authoritative domains; report supporting and contradicting evidence separately.",
		arg: "claim",
	},
	{
		def: mcp.Prompt{
			Name:        "prior_art",
			Description: "Survey patents and publications related to an invention.",
			Arguments: []mcp.PromptArgument{
				{Name: "invention", Description: "Invention or technique", Required: true},
			},
		},
		template: "Survey prior art for %q. Combine patent_search and academic_search, " +
			"then summarize the closest matches with filing dates.",
		arg: "invention",
	},
}

type promptEntry struct {
	def      mcp.Prompt
	template string
	arg      string // name of the argument substituted into template
}

func (h *Handler) handlePromptsList() (json.RawMessage, *mcp.RPCError) {
	defs := make([]mcp.Prompt, len(researchPrompts))
	for i, p := range researchPrompts {
		defs[i] = p.def
	}
	return marshalResult(map[string]any{"prompts": defs})
}

func (h *Handler) handlePromptsGet(params json.RawMessage) (json.RawMessage, *mcp.RPCError) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, err.Error(), mcp.KindInvalidParams)
	}

	for _, entry := range researchPrompts {
		if entry.def.Name != p.Name {
			continue
		}
		value, ok := p.Arguments[entry.arg]
		if !ok || value == "" {
			return nil, mcp.NewError(mcp.CodeInvalidParams,
				fmt.Sprintf("%s: required argument missing", entry.arg), mcp.KindInvalidParams)
		}
		return marshalResult(map[string]any{
			"description": entry.def.Description,
			"messages": []map[string]any{{
				"role": "user",
				"content": map[string]string{
					"type": "text",
					"text": fmt.Sprintf(entry.template, value),
				},
			}},
		})
	}
	return nil, mcp.NewError(mcp.CodeInvalidParams,
		fmt.Sprintf("unknown prompt: %s", p.Name), mcp.KindInvalidParams)
}
