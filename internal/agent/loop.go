// Package agent implements the turn state machine: knowledge
// initialization, the model/tool iteration loop, and turn termination.
//
// One turn runs per session at a time. Within a turn, each iteration is
// one model call followed by exactly one tool dispatch; the idle tool
// ends the turn. Checkpoints happen only at the model-call boundary,
// never while a tool is mid-flight.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stride-ai/stride/internal/checkpoint"
	"github.com/stride-ai/stride/internal/contextbuild"
	"github.com/stride-ai/stride/internal/eventlog"
	"github.com/stride-ai/stride/internal/knowledge"
	"github.com/stride-ai/stride/internal/llm"
	"github.com/stride-ai/stride/internal/session"
	"github.com/stride-ai/stride/internal/stream"
	"github.com/stride-ai/stride/internal/tools"
)

// defaultMaxIterations bounds the model/tool loop per turn.
const defaultMaxIterations = 10

// Outcome classifies how a turn ended.
type Outcome string

const (
	// OutcomeIdle means the model called the idle tool.
	OutcomeIdle Outcome = "idle"
	// OutcomeIterationCap means the loop hit its iteration bound.
	OutcomeIterationCap Outcome = "iteration_cap"
	// OutcomeError means the turn failed. The session stays usable; the
	// next user message starts a fresh turn over the same log.
	OutcomeError Outcome = "error"
)

// TurnResult reports one completed turn.
type TurnResult struct {
	SessionID    string  `json:"session_id"`
	Outcome      Outcome `json:"outcome"`
	Iterations   int     `json:"iterations"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Error        string  `json:"error,omitempty"`
}

// Controller owns the agent turn loop and its collaborators.
type Controller struct {
	logger        *slog.Logger
	llm           llm.Client
	model         string
	events        *eventlog.Store
	sessions      *session.Store
	locks         *session.Locks
	initializer   *knowledge.Initializer
	checkpointer  *checkpoint.Checkpointer
	tools         *tools.Registry
	bus           *stream.Bus
	stablePrefix  string
	maxIterations int
}

// Options bundles the controller's collaborators.
type Options struct {
	Logger       *slog.Logger
	LLM          llm.Client
	Model        string
	Events       *eventlog.Store
	Sessions     *session.Store
	Initializer  *knowledge.Initializer
	Checkpointer *checkpoint.Checkpointer
	Tools        *tools.Registry
	// Bus may be nil; progress messages are then dropped.
	Bus *stream.Bus
	// StablePrefix is the system prompt written into new sessions.
	StablePrefix  string
	MaxIterations int
}

// NewController creates a turn controller.
func NewController(opts Options) *Controller {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	return &Controller{
		logger:        opts.Logger,
		llm:           opts.LLM,
		model:         opts.Model,
		events:        opts.Events,
		sessions:      opts.Sessions,
		locks:         session.NewLocks(),
		initializer:   opts.Initializer,
		checkpointer:  opts.Checkpointer,
		tools:         opts.Tools,
		bus:           opts.Bus,
		stablePrefix:  opts.StablePrefix,
		maxIterations: opts.MaxIterations,
	}
}

// RunTurn processes one user message to completion. Returns
// session.ErrSessionBusy without touching the log when a turn is
// already running for the session.
func (c *Controller) RunTurn(ctx context.Context, sessionID, userID, message string) (*TurnResult, error) {
	if err := c.locks.Acquire(sessionID); err != nil {
		return nil, err
	}
	defer c.locks.Release(sessionID)

	ctx = tools.WithSessionID(ctx, sessionID)
	ctx = tools.WithUserID(ctx, userID)

	sess, err := c.sessions.GetOrCreate(ctx, sessionID, userID, c.stablePrefix)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.State = session.StateActive

	result := &TurnResult{SessionID: sessionID}

	if err := c.beginTurn(ctx, sess, message); err != nil {
		return c.failTurn(ctx, sess, result, err)
	}

	sc := &tools.SessionContext{Session: sess, Registrar: c.sessions}

	for result.Iterations < c.maxIterations {
		result.Iterations++

		if _, err := c.checkpointer.MaybeCheckpoint(ctx, sess); err != nil {
			return c.failTurn(ctx, sess, result, fmt.Errorf("checkpoint: %w", err))
		}

		call, err := c.nextToolCall(ctx, sess, result)
		if err != nil {
			return c.failTurn(ctx, sess, result, err)
		}

		def := c.tools.Get(call.Name)
		if def != nil && def.Terminal {
			// The idle tool ends the turn. Its action is logged so the
			// transcript shows the decision, but it produces no
			// observation: there is no result for the model to read.
			action := eventlog.NewAction(call.Name, call.Args)
			action.SessionID = sess.ID
			if _, err := c.events.Append(ctx, action); err != nil {
				return c.failTurn(ctx, sess, result, fmt.Errorf("append idle action: %w", err))
			}
			return c.endTurn(ctx, sess, result, OutcomeIdle)
		}

		if err := c.dispatchAndLog(ctx, sess, sc, call); err != nil {
			return c.failTurn(ctx, sess, result, err)
		}
	}

	return c.endTurn(ctx, sess, result, OutcomeIterationCap)
}

// beginTurn runs the knowledge initializer and appends its events plus
// the user message. Knowledge lands before the message so the prompt
// prefix for this turn is stable across the turn's iterations.
func (c *Controller) beginTurn(ctx context.Context, sess *session.Session, message string) error {
	knowledgeEvents, err := c.initializer.Run(ctx, sess, message)
	if err != nil {
		return fmt.Errorf("initializer: %w", err)
	}
	for _, ev := range knowledgeEvents {
		if _, err := c.events.Append(ctx, ev); err != nil {
			return fmt.Errorf("append knowledge: %w", err)
		}
		// Track only once the event is durably in the log. A ref without
		// a logged event would suppress re-injection on later turns.
		sess.Knowledge = append(sess.Knowledge, session.KnowledgeRef{
			Source: ev.Knowledge.Source,
			Params: ev.Knowledge.Params,
		})
	}

	userEv := eventlog.NewUserMessage(message)
	userEv.SessionID = sess.ID
	if _, err := c.events.Append(ctx, userEv); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	return nil
}

// nextToolCall builds the context, calls the model, and extracts the
// single tool call. A response with zero or multiple tool calls is a
// protocol violation: the model gets one corrective retry, then the
// turn fails.
func (c *Controller) nextToolCall(ctx context.Context, sess *session.Session, result *TurnResult) (tools.Call, error) {
	window, err := c.events.Read(ctx, sess.ID, sess.ContextStartSeq)
	if err != nil {
		return tools.Call{}, fmt.Errorf("read context window: %w", err)
	}
	prompt := contextbuild.Build(sess.StablePrefix, window)

	messages := []llm.Message{{Role: "user", Content: prompt}}
	declarations := c.tools.List()

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.llm.Chat(ctx, c.model, messages, declarations)
		if err != nil {
			return tools.Call{}, fmt.Errorf("model call: %w", err)
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		if resp.Message.Content != "" {
			c.bus.Publish(stream.Message{
				SessionID: sess.ID,
				Type:      stream.TypeThinking,
				Text:      resp.Message.Content,
			})
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 1 {
			return tools.Call{
				Name: calls[0].Function.Name,
				Args: calls[0].Function.Arguments,
			}, nil
		}

		c.logger.Warn("tool call protocol violation",
			"session", sess.ID, "tool_calls", len(calls), "attempt", attempt+1)
		messages = append(messages,
			resp.Message,
			llm.Message{
				Role:    "user",
				Content: "Respond with exactly one tool call. Call idle if no further action is needed.",
			},
		)
	}

	return tools.Call{}, errors.New("model violated the single-tool-call protocol twice")
}

// dispatchAndLog executes one tool call and appends its action and
// observation as an atomic pair. Tool failures are recoverable: the
// failed observation is logged and the loop continues; only
// infrastructure faults abort the turn.
func (c *Controller) dispatchAndLog(ctx context.Context, sess *session.Session, sc *tools.SessionContext, call tools.Call) error {
	c.bus.Publish(stream.Message{
		SessionID: sess.ID,
		Type:      stream.TypeToolStart,
		Tool:      call.Name,
	})

	outcome, err := c.tools.Dispatch(ctx, call, sc)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", call.Name, err)
	}

	ok := outcome.Success
	c.bus.Publish(stream.Message{
		SessionID: sess.ID,
		Type:      stream.TypeToolEnd,
		Tool:      call.Name,
		OK:        &ok,
	})

	var errMsg string
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	action := eventlog.NewAction(call.Name, call.Args)
	action.SessionID = sess.ID
	observation := eventlog.NewObservation(outcome.Tool, outcome.Formatted, outcome.Raw, outcome.Success, errMsg)
	observation.SessionID = sess.ID

	if _, _, err := c.events.AppendPair(ctx, action, observation); err != nil {
		return fmt.Errorf("append iteration: %w", err)
	}

	c.logger.Debug("tool dispatched",
		"session", sess.ID, "tool", call.Name, "success", outcome.Success)
	return nil
}

// endTurn persists the session's final state and closes the stream.
func (c *Controller) endTurn(ctx context.Context, sess *session.Session, result *TurnResult, outcome Outcome) (*TurnResult, error) {
	result.Outcome = outcome
	sess.State = session.StateIdle
	if err := c.sessions.Save(ctx, sess); err != nil {
		return result, fmt.Errorf("save session: %w", err)
	}

	c.bus.Publish(stream.Message{
		SessionID: sess.ID,
		Type:      stream.TypeDone,
		State:     string(outcome),
	})
	c.logger.Info("turn complete",
		"session", sess.ID,
		"outcome", outcome,
		"iterations", result.Iterations,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	return result, nil
}

// failTurn marks the session errored but usable, closes the stream, and
// surfaces the fault to the caller.
func (c *Controller) failTurn(ctx context.Context, sess *session.Session, result *TurnResult, cause error) (*TurnResult, error) {
	result.Outcome = OutcomeError
	result.Error = cause.Error()
	sess.State = session.StateError
	if saveErr := c.sessions.Save(ctx, sess); saveErr != nil {
		c.logger.Error("failed to save errored session", "session", sess.ID, "error", saveErr)
	}

	c.bus.Publish(stream.Message{
		SessionID: sess.ID,
		Type:      stream.TypeDone,
		State:     string(OutcomeError),
	})
	c.logger.Error("turn failed", "session", sess.ID, "error", cause)
	return result, cause
}
