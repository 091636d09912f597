package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/mcp"
)

// ResearchStep is one recorded step of a multi-step research session. The
// reasoning belongs to the caller; the server only tracks.
type ResearchStep struct {
	StepNumber         int       `json:"stepNumber"`
	TotalStepsEstimate int       `json:"totalStepsEstimate"`
	SearchStep         string    `json:"searchStep"`
	NextStepNeeded     bool      `json:"nextStepNeeded"`
	Source             string    `json:"source,omitempty"`
	KnowledgeGap       string    `json:"knowledgeGap,omitempty"`
	IsRevision         bool      `json:"isRevision,omitempty"`
	RevisesStep        int       `json:"revisesStep,omitempty"`
	BranchID           string    `json:"branchId,omitempty"`
	RecordedAt         time.Time `json:"recordedAt"`
}

// ResearchState is the per-session research log.
type ResearchState struct {
	Steps     []ResearchStep `json:"steps"`
	Branches  []string       `json:"branches,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ResearchResourceURI identifies the current session's research state.
const ResearchResourceURI = "search://session/current"

// Tracker keeps research state per session.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*ResearchState
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*ResearchState)}
}

// Record appends a step to the session's state and returns the updated state.
func (t *Tracker) Record(sessionID string, step ResearchStep) *ResearchState {
	step.RecordedAt = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.sessions[sessionID]
	if state == nil {
		state = &ResearchState{}
		t.sessions[sessionID] = state
	}
	state.Steps = append(state.Steps, step)
	state.UpdatedAt = step.RecordedAt
	if step.BranchID != "" && !contains(state.Branches, step.BranchID) {
		state.Branches = append(state.Branches, step.BranchID)
	}

	// Return a copy so callers never see later mutations.
	snapshot := *state
	snapshot.Steps = append([]ResearchStep(nil), state.Steps...)
	snapshot.Branches = append([]string(nil), state.Branches...)
	return &snapshot
}

// State returns the session's state, or nil when nothing is recorded.
func (t *Tracker) State(sessionID string) *ResearchState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.sessions[sessionID]
	if state == nil {
		return nil
	}
	snapshot := *state
	snapshot.Steps = append([]ResearchStep(nil), state.Steps...)
	snapshot.Branches = append([]string(nil), state.Branches...)
	return &snapshot
}

// Forget drops a session's research state on teardown.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Resource renders the session's state as the search://session/current
// resource.
func (t *Tracker) Resource(sessionID string) (*mcp.ResourceContents, error) {
	state := t.State(sessionID)
	if state == nil {
		state = &ResearchState{Steps: []ResearchStep{}}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.ResourceContents{
		URI:      ResearchResourceURI,
		MimeType: "application/json",
		Text:     string(data),
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RegisterSequentialTool adds sequential_search, the stateful research
// tracker. Never cacheable: every call mutates session state.
func RegisterSequentialTool(reg *Registry, tracker *Tracker) {
	reg.Register(&Spec{
		Name:        "sequential_search",
		Title:       "Sequential Research Tracker",
		Description: "Track a multi-step research session: record steps, revisions, branches, and knowledge gaps. State is exposed as the search://session/current resource.",
		Input: &Schema{Fields: []Field{
			{Name: "stepNumber", Type: "integer", Required: true, Min: f64(1)},
			{Name: "totalStepsEstimate", Type: "integer", Required: true, Min: f64(1)},
			{Name: "searchStep", Type: "string", Description: "What this step investigates", Required: true, MaxLength: 10000},
			{Name: "nextStepNeeded", Type: "boolean", Required: true},
			{Name: "source", Type: "string", MaxLength: 4096},
			{Name: "knowledgeGap", Type: "string", MaxLength: 10000},
			{Name: "isRevision", Type: "boolean", Default: false},
			{Name: "revisesStep", Type: "integer", Min: f64(1)},
			{Name: "branchId", Type: "string", MaxLength: 256},
		}},
		Timeout:   5 * time.Second,
		Cacheable: false,
		Handler: func(_ context.Context, call *Call) (*mcp.CallToolResult, error) {
			step := ResearchStep{
				StepNumber:         argInt(call.Args, "stepNumber", 0),
				TotalStepsEstimate: argInt(call.Args, "totalStepsEstimate", 0),
				SearchStep:         argString(call.Args, "searchStep", ""),
				NextStepNeeded:     argBool(call.Args, "nextStepNeeded", false),
				Source:             argString(call.Args, "source", ""),
				KnowledgeGap:       argString(call.Args, "knowledgeGap", ""),
				IsRevision:         argBool(call.Args, "isRevision", false),
				RevisesStep:        argInt(call.Args, "revisesStep", 0),
				BranchID:           argString(call.Args, "branchId", ""),
			}
			if step.IsRevision && step.RevisesStep <= 0 {
				return nil, invalidParams("revisesStep", "required when isRevision is set")
			}

			state := tracker.Record(call.SessionID, step)

			structured, err := json.Marshal(map[string]any{
				"sessionState":   state,
				"nextStepNeeded": step.NextStepNeeded,
				"resource":       ResearchResourceURI,
			})
			if err != nil {
				return nil, err
			}
			text := fmt.Sprintf("Recorded step %d/%d (%d steps total in session).",
				step.StepNumber, step.TotalStepsEstimate, len(state.Steps))
			return mcp.TextResult(text, structured), nil
		},
	})
}
