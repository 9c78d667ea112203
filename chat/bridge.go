package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/PipeOpsHQ/dao-ai-builder/agentlib"
	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/observe"
)

const (
	noResponse       = "No response generated"
	configurableKey  = "configurable"
	defaultBufferLen = 32
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of a chat call.
type Request struct {
	Config       map[string]any           `json:"config"`
	Messages     []Message                `json:"messages"`
	Context      map[string]any           `json:"context,omitempty"`
	CustomInputs map[string]any           `json:"custom_inputs,omitempty"`
	Credentials  credential.DeployRequest `json:"credentials,omitempty"`
}

// Bridge runs chat turns against agents built by an agent library.
type Bridge struct {
	lib    agentlib.Library
	logger *slog.Logger
	sink   observe.Sink
	buffer int
}

type Option func(*Bridge)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logging.Or(logger) }
}

func WithSink(sink observe.Sink) Option {
	return func(b *Bridge) {
		if sink != nil {
			b.sink = sink
		}
	}
}

func NewBridge(lib agentlib.Library, opts ...Option) *Bridge {
	b := &Bridge{lib: lib, logger: slog.Default(), sink: observe.NoopSink{}, buffer: defaultBufferLen}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stream starts a chat turn and returns its events. auth must be captured
// from the inbound request before calling; the producer never looks at the
// request again. The channel is closed after a done or error event, or when
// ctx is cancelled.
func (b *Bridge) Stream(ctx context.Context, req Request, auth credential.DeployAuth) <-chan Event {
	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		send := func(ev Event) bool {
			if ev.Type == KindLog {
				b.logger.Log(ctx, logging.ParseLevel(ev.Level), ev.Message)
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		started := time.Now()
		last := b.guardedRun(ctx, req, auth, send)
		ev := observe.Event{Kind: observe.KindChat, Status: observe.StatusCompleted, DurationMs: time.Since(started).Milliseconds()}
		if last.Type == KindError {
			ev.Status = observe.StatusFailed
			ev.Error = last.Error
		}
		ev.Normalize()
		_ = b.sink.Emit(ctx, ev)
	}()
	return out
}

// Collect drains a stream into a slice.
func Collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// guardedRun is run with panics turned into a terminal error event.
func (b *Bridge) guardedRun(ctx context.Context, req Request, auth credential.DeployAuth, send func(Event) bool) (last Event) {
	defer func() {
		if r := recover(); r != nil {
			last = Error(fmt.Sprintf("Agent panicked: %v", r), nil)
			last.Trace = string(debug.Stack())
			b.logger.Error("chat turn panicked", "panic", r)
			send(last)
		}
	}()
	return b.run(ctx, req, auth, send)
}

// run produces the events of one turn and returns the final one.
func (b *Bridge) run(ctx context.Context, req Request, auth credential.DeployAuth, send func(Event) bool) Event {
	finish := func(ev Event) Event {
		send(ev)
		return ev
	}
	if len(req.Config) == 0 {
		return finish(Error("Configuration is required", nil))
	}
	if len(req.Messages) == 0 {
		return finish(Error("Messages are required", nil))
	}
	send(Log("info", fmt.Sprintf("Chat request received with %d messages", len(req.Messages))))

	creds := agentlib.Credentials{Host: auth.Host}
	switch {
	case auth.Token == "" && auth.ServicePrincipal.Complete():
		send(Log("info", "Using manual service principal authentication"))
		creds.Tokens = auth.TokenSource(ctx)
	case auth.Token != "":
		send(Log("info", fmt.Sprintf("Using %s authentication", auth.Method)))
		creds.Tokens = auth.TokenSource(ctx)
	default:
		send(Log("warning", "No authentication token available - some features may not work"))
	}
	if auth.Host != "" {
		send(Log("debug", "Using Databricks host: "+logging.Truncate(auth.Host, 30)))
	}

	cfg, err := appconfig.FromMap(req.Config)
	if err == nil && cfg.App == nil {
		err = errors.New("app is required")
	}
	if err != nil {
		return finish(Error("Invalid configuration: "+err.Error(), err))
	}
	creds.Environment = cfg.LocalEnvironment()
	send(Log("info", "Created AppConfig for app: "+cfg.App.Name))
	if names := agentNames(cfg); len(names) > 0 {
		send(Log("debug", "Agents: "+strings.Join(names, ", ")))
	}
	if o := cfg.App.Orchestration; o != nil {
		switch {
		case o.Supervisor != nil:
			send(Log("debug", "Orchestration: Supervisor"))
		case o.Swarm != nil:
			send(Log("debug", "Orchestration: Swarm"))
		}
	}

	send(Log("info", "Creating agent from configuration..."))
	agent, err := b.lib.NewResponsesAgent(ctx, cfg, creds)
	if err != nil {
		return finish(Error("Failed to create agent: "+err.Error(), err))
	}
	send(Log("info", "Created ResponsesAgent successfully"))

	agentReq := buildRequest(req)
	if thread, ok := req.Context["thread_id"]; ok {
		send(Log("debug", fmt.Sprintf("Context: thread_id=%v, user_id=%v", thread, valueOr(req.Context["user_id"], "none"))))
	}

	send(Log("info", "Starting streaming response..."))
	var (
		full    strings.Builder
		outputs map[string]any
	)
	if streaming, ok := agent.(agentlib.StreamingAgent); ok {
		send(Log("debug", "Using streaming mode"))
		err = streaming.PredictStream(ctx, agentReq, func(c agentlib.Chunk) error {
			if c.Delta != "" {
				full.WriteString(c.Delta)
				if !send(Delta(c.Delta)) {
					return ctx.Err()
				}
			}
			if len(c.CustomOutputs) > 0 {
				outputs = c.CustomOutputs
			}
			return nil
		})
	} else {
		send(Log("warning", "Streaming not available, using standard mode"))
		var resp agentlib.Response
		resp, err = agent.Predict(ctx, agentReq)
		if err == nil {
			if resp.Text != "" {
				full.WriteString(resp.Text)
				send(Delta(resp.Text))
			}
			outputs = resp.CustomOutputs
		}
	}
	if err != nil {
		return finish(Error("Agent invocation failed: "+err.Error(), err))
	}

	text := full.String()
	if text == "" {
		send(Log("warning", "No response text extracted"))
		text = noResponse
	} else {
		send(Log("info", fmt.Sprintf("Completed: %d characters", len(text))))
	}
	if display := displayOutputs(outputs); len(display) > 0 {
		send(Log("info", "Custom outputs received: "+strings.Join(sortedKeys(display), ", ")))
		send(CustomOutputs(display))
	}
	return finish(Done(text))
}

// buildRequest converts the chat history into responses-style input. Only
// user and assistant messages are carried; the context rides along under
// custom_inputs.configurable.
func buildRequest(req Request) agentlib.Request {
	out := agentlib.Request{}
	for _, m := range req.Messages {
		switch m.Role {
		case "user", "":
			out.Input = append(out.Input, agentlib.UserMessage(m.Content))
		case "assistant":
			out.Input = append(out.Input, agentlib.AssistantMessage(m.Content))
		}
	}
	custom := map[string]any{}
	if len(req.Context) > 0 {
		custom[configurableKey] = req.Context
	}
	for k, v := range req.CustomInputs {
		custom[k] = v
	}
	if len(custom) > 0 {
		out.CustomInputs = custom
	}
	return out
}

func displayOutputs(outputs map[string]any) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		if k != configurableKey {
			out[k] = v
		}
	}
	return out
}

func agentNames(cfg *appconfig.AppConfig) []string {
	return sortedKeys(cfg.Agents)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func valueOr(v any, fallback string) any {
	if v == nil {
		return fallback
	}
	return v
}
