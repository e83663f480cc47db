package swiftbuy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutcomeKind tags what the decision oracle proposed.
type OutcomeKind string

const (
	OutcomeAction      OutcomeKind = "action"
	OutcomeCompletion  OutcomeKind = "completion"
	OutcomeDryRunDone  OutcomeKind = "dry_run_complete"
	OutcomeFailure     OutcomeKind = "failure"
	OutcomeRateLimited OutcomeKind = "rate_limited"
)

// Outcome is the oracle's answer to one snapshot: exactly one next action,
// a completion signal, a failure signal, or a provider-side rate limit the
// orchestrator absorbs without burning budget.
type Outcome struct {
	Kind       OutcomeKind
	Action     Action
	OrderID    string
	Reason     string
	RetryAfter time.Duration
	// Narrative is the oracle's own description of what it sees/did; it is
	// appended to the conversation so pruned screenshots keep their story.
	Narrative string
}

// Snapshot is the visual/contextual state handed to the oracle for one
// turn.
type Snapshot struct {
	URL        string
	Screenshot []byte
	// Elements is a compact text rendering of the interactive elements, so
	// a backend can act even when vision quality is poor.
	Elements string
}

// Oracle is the decision backend contract. Implementations are stateless
// between calls; all running context arrives via the Conversation.
type Oracle interface {
	Name() string
	Propose(ctx context.Context, snap Snapshot, instruction string, convo *Conversation) (Outcome, error)
}

// Turn is one exchange of the running conversation.
type Turn struct {
	Role       string // "user" or "assistant"
	Text       string
	Screenshot []byte // nil once pruned
}

// Conversation accumulates oracle context across turns within one run. The
// orchestrator owns it and prunes screenshot payloads periodically so
// per-call payload size stays bounded without losing the narrative.
type Conversation struct {
	turns []Turn
}

func (c *Conversation) AddUser(text string, screenshot []byte) {
	c.turns = append(c.turns, Turn{Role: "user", Text: text, Screenshot: screenshot})
}

func (c *Conversation) AddAssistant(text string) {
	c.turns = append(c.turns, Turn{Role: "assistant", Text: text})
}

func (c *Conversation) Turns() []Turn { return c.turns }

func (c *Conversation) Len() int { return len(c.turns) }

const prunedScreenshotPlaceholder = "[earlier screenshot omitted]"

// Prune drops all but the most recent keepImages screenshot payloads,
// replacing each with a short placeholder. Turn count and text narrative
// are preserved so the oracle keeps its sense of progress.
func (c *Conversation) Prune(keepImages int) {
	withImage := 0
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Screenshot == nil {
			continue
		}
		withImage++
		if withImage <= keepImages {
			continue
		}
		c.turns[i].Screenshot = nil
		if c.turns[i].Text == "" {
			c.turns[i].Text = prunedScreenshotPlaceholder
		} else {
			c.turns[i].Text += "\n" + prunedScreenshotPlaceholder
		}
	}
}

// oracleReply is the JSON shape every backend asks the model to emit.
type oracleReply struct {
	Observation    string  `json:"observation,omitempty"`
	Action         *Action `json:"action,omitempty"`
	Done           bool    `json:"done,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	DryRunComplete bool    `json:"dry_run_complete,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// parseOracleReply turns raw model output into an Outcome. The model is
// told to return only JSON, but fenced or chatty replies still happen, so
// the first JSON object is carved out of whatever came back.
func parseOracleReply(content string) (Outcome, error) {
	content = extractJSONObject(content)
	if content == "" {
		return Outcome{}, fmt.Errorf("oracle returned empty reply")
	}
	var reply oracleReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return Outcome{}, fmt.Errorf("oracle reply is not valid JSON: %w", err)
	}

	switch {
	case reply.DryRunComplete:
		return Outcome{Kind: OutcomeDryRunDone, Narrative: reply.Observation}, nil
	case reply.Done:
		return Outcome{Kind: OutcomeCompletion, OrderID: reply.OrderID, Narrative: reply.Observation}, nil
	case reply.Error != "":
		return Outcome{Kind: OutcomeFailure, Reason: reply.Error, Narrative: reply.Observation}, nil
	case reply.Action != nil:
		return Outcome{Kind: OutcomeAction, Action: *reply.Action, Narrative: reply.Observation}, nil
	default:
		return Outcome{}, fmt.Errorf("oracle reply carries neither an action nor a signal: %s", content)
	}
}

func extractJSONObject(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return strings.TrimSpace(trimmed[start : end+1])
	}
	return trimmed
}

// oracleSystemPrompt is shared by both backends: one action per reply, JSON
// only, with the completion and failure shapes spelled out.
const oracleSystemPrompt = `You are a checkout automation operator. You are shown a screenshot of a web page, a list of its interactive elements, and an instruction. Reply with ONLY one JSON object, no prose, in one of these shapes:

{"observation":"...","action":{"kind":"click","x":100,"y":200}}
{"observation":"...","action":{"kind":"fill","selector":"#email","value":"a@b.c"}}
{"observation":"...","action":{"kind":"select","selector":"#country","value":"US"}}
{"observation":"...","action":{"kind":"key","combo":"Enter"}}
{"observation":"...","action":{"kind":"scroll","dx":0,"dy":600}}
{"observation":"...","action":{"kind":"wait","ms":1000}}
{"observation":"...","action":{"kind":"submit","selector":"#place-order"}}
{"observation":"...","done":true,"order_id":"ORD-123"}
{"observation":"...","dry_run_complete":true}
{"observation":"...","error":"reason the task cannot proceed"}

Rules: propose exactly one action per reply. Use "submit" ONLY for the final purchase-committing button, never for ordinary navigation. If the instruction says this is a dry run, stop at the last screen before the purchase-committing action and reply with dry_run_complete instead of pressing it. Never invent an order id; only report one you can read on the page.`
