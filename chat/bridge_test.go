package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/PipeOpsHQ/dao-ai-builder/agentlib"
	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/observe"
)

type blockingAgent struct {
	resp agentlib.Response
	err  error
	got  *agentlib.Request
}

func (a *blockingAgent) Predict(_ context.Context, req agentlib.Request) (agentlib.Response, error) {
	*a.got = req
	return a.resp, a.err
}

type streamingAgent struct {
	blockingAgent
	chunks []agentlib.Chunk
}

func (a *streamingAgent) PredictStream(_ context.Context, req agentlib.Request, fn func(agentlib.Chunk) error) error {
	*a.got = req
	for _, c := range a.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	return a.err
}

type fakeLibrary struct {
	agent     agentlib.ResponsesAgent
	createErr error
	creds     agentlib.Credentials
}

func (f *fakeLibrary) CreateAgent(context.Context, *appconfig.AppConfig, agentlib.Credentials) (agentlib.AgentModel, error) {
	return agentlib.AgentModel{}, errors.New("not used")
}

func (f *fakeLibrary) DeployAgent(context.Context, *appconfig.AppConfig, agentlib.Credentials, agentlib.AgentModel) (agentlib.Deployment, error) {
	return agentlib.Deployment{}, errors.New("not used")
}

func (f *fakeLibrary) NewResponsesAgent(_ context.Context, _ *appconfig.AppConfig, creds agentlib.Credentials) (agentlib.ResponsesAgent, error) {
	f.creds = creds
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.agent, nil
}

func chatConfig() map[string]any {
	return map[string]any{
		"app": map[string]any{
			"name":             "retail-bot",
			"environment_vars": map[string]any{"MODE": "dev", "KEY": "{{secrets/s/k}}"},
		},
		"agents": map[string]any{"general": map[string]any{"name": "general"}},
	}
}

func tokenAuth() credential.DeployAuth {
	return credential.DeployAuth{Host: "https://ws.cloud.databricks.com", Token: "tok", Method: "obo"}
}

func nonLog(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type != KindLog {
			out = append(out, ev)
		}
	}
	return out
}

func TestStreamingTurn(t *testing.T) {
	var got agentlib.Request
	agent := &streamingAgent{
		blockingAgent: blockingAgent{got: &got},
		chunks: []agentlib.Chunk{
			{Delta: "Hel"},
			{Delta: "lo"},
			{CustomOutputs: map[string]any{"configurable": map[string]any{"thread_id": "t1"}, "genie_conversation_ids": []any{"c1"}}},
		},
	}
	lib := &fakeLibrary{agent: agent}
	var rec observe.Recorder
	b := NewBridge(lib, WithLogger(logging.Nop()), WithSink(&rec))

	events := Collect(b.Stream(context.Background(), Request{
		Config: chatConfig(),
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "system", Content: "ignored"},
			{Role: "user", Content: "again"},
		},
		Context:      map[string]any{"thread_id": "t1", "user_id": "u1"},
		CustomInputs: map[string]any{"store_num": "42"},
	}, tokenAuth()))

	want := []Event{
		Delta("Hel"),
		Delta("lo"),
		CustomOutputs(map[string]any{"genie_conversation_ids": []any{"c1"}}),
		Done("Hello"),
	}
	if diff := cmp.Diff(want, nonLog(events)); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if events[0].Type != KindLog || events[0].Message != "Chat request received with 4 messages" {
		t.Fatalf("expected opening log event, got %+v", events[0])
	}

	wantReq := agentlib.Request{
		Input: []agentlib.InputItem{
			agentlib.UserMessage("hi"),
			agentlib.AssistantMessage("hello"),
			agentlib.UserMessage("again"),
		},
		CustomInputs: map[string]any{
			"configurable": map[string]any{"thread_id": "t1", "user_id": "u1"},
			"store_num":    "42",
		},
	}
	if diff := cmp.Diff(wantReq, got); diff != "" {
		t.Fatalf("agent request mismatch (-want +got):\n%s", diff)
	}
	if lib.creds.Host != "https://ws.cloud.databricks.com" || lib.creds.Tokens == nil {
		t.Fatalf("credentials not passed explicitly: %+v", lib.creds)
	}
	if diff := cmp.Diff(map[string]string{"MODE": "dev"}, lib.creds.Environment); diff != "" {
		t.Fatalf("environment mismatch (-want +got):\n%s", diff)
	}
	if evs := rec.Events(); len(evs) != 1 || evs[0].Status != observe.StatusCompleted {
		t.Fatalf("expected one completed chat event, got %+v", evs)
	}
}

func TestBlockingFallback(t *testing.T) {
	var got agentlib.Request
	lib := &fakeLibrary{agent: &blockingAgent{got: &got, resp: agentlib.Response{Text: "whole answer"}}}
	events := Collect(NewBridge(lib, WithLogger(logging.Nop())).Stream(context.Background(), Request{
		Config:   chatConfig(),
		Messages: []Message{{Role: "user", Content: "q"}},
	}, tokenAuth()))

	if diff := cmp.Diff([]Event{Delta("whole answer"), Done("whole answer")}, nonLog(events)); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if got.CustomInputs != nil {
		t.Fatalf("no custom inputs expected, got %v", got.CustomInputs)
	}
}

func TestEmptyResponse(t *testing.T) {
	var got agentlib.Request
	lib := &fakeLibrary{agent: &streamingAgent{blockingAgent: blockingAgent{got: &got}}}
	events := Collect(NewBridge(lib, WithLogger(logging.Nop())).Stream(context.Background(), Request{
		Config:   chatConfig(),
		Messages: []Message{{Role: "user", Content: "q"}},
	}, tokenAuth()))
	if diff := cmp.Diff(Done("No response generated"), events[len(events)-1]); diff != "" {
		t.Fatalf("expected placeholder done event (-want +got):\n%s", diff)
	}
}

func TestFailuresBecomeErrorEvents(t *testing.T) {
	var got agentlib.Request
	tests := []struct {
		name string
		lib  *fakeLibrary
		req  Request
		want string
	}{
		{"no config", &fakeLibrary{}, Request{Messages: []Message{{Content: "x"}}}, "Configuration is required"},
		{"no messages", &fakeLibrary{}, Request{Config: chatConfig()}, "Messages are required"},
		{"bad config", &fakeLibrary{}, Request{Config: map[string]any{"agents": "nope"}, Messages: []Message{{Content: "x"}}}, "Invalid configuration: "},
		{"agent build", &fakeLibrary{createErr: errors.New("no orchestrator")}, Request{Config: chatConfig(), Messages: []Message{{Content: "x"}}}, "Failed to create agent: no orchestrator"},
		{"invoke", &fakeLibrary{agent: &streamingAgent{blockingAgent: blockingAgent{got: &got, err: errors.New("429 rate limited")}}}, Request{Config: chatConfig(), Messages: []Message{{Content: "x"}}}, "Agent invocation failed: 429 rate limited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := Collect(NewBridge(tt.lib, WithLogger(logging.Nop())).Stream(context.Background(), tt.req, tokenAuth()))
			last := events[len(events)-1]
			if last.Type != KindError {
				t.Fatalf("expected error event last, got %+v", last)
			}
			if len(last.Error) < len(tt.want) || last.Error[:len(tt.want)] != tt.want {
				t.Fatalf("error %q does not start with %q", last.Error, tt.want)
			}
			for _, ev := range events[:len(events)-1] {
				if ev.Terminal() {
					t.Fatalf("terminal event before the end: %+v", ev)
				}
			}
		})
	}
}

func TestNoCredentialsWarns(t *testing.T) {
	var got agentlib.Request
	lib := &fakeLibrary{agent: &blockingAgent{got: &got, resp: agentlib.Response{Text: "ok"}}}
	events := Collect(NewBridge(lib, WithLogger(logging.Nop())).Stream(context.Background(), Request{
		Config:   chatConfig(),
		Messages: []Message{{Role: "user", Content: "q"}},
	}, credential.DeployAuth{}))
	found := false
	for _, ev := range events {
		if ev.Type == KindLog && ev.Level == "warning" && ev.Message == "No authentication token available - some features may not work" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected missing-credential warning")
	}
	if lib.creds.Tokens != nil {
		t.Fatal("no token source expected without credentials")
	}
}

func TestStreamStopsWhenContextCancelled(t *testing.T) {
	var got agentlib.Request
	chunks := make([]agentlib.Chunk, 500)
	for i := range chunks {
		chunks[i] = agentlib.Chunk{Delta: "x"}
	}
	lib := &fakeLibrary{agent: &streamingAgent{blockingAgent: blockingAgent{got: &got}, chunks: chunks}}
	ctx, cancel := context.WithCancel(context.Background())
	stream := NewBridge(lib, WithLogger(logging.Nop())).Stream(ctx, Request{
		Config:   chatConfig(),
		Messages: []Message{{Role: "user", Content: "q"}},
	}, tokenAuth())
	<-stream
	cancel()
	// The producer must close the channel rather than block forever.
	for range stream {
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := Error("boom", errors.New("inner"))
	if diff := cmp.Diff(Event{Type: KindError, Error: "boom"}, ev, cmpopts.IgnoreFields(Event{}, "Trace")); diff != "" {
		t.Fatalf("error event mismatch (-want +got):\n%s", diff)
	}
	if ev.Trace == "" {
		t.Fatal("expected trace from cause")
	}
}

type panickingAgent struct{}

func (panickingAgent) Predict(context.Context, agentlib.Request) (agentlib.Response, error) {
	panic("agent blew up")
}

func TestAgentPanicBecomesErrorEvent(t *testing.T) {
	rec := &observe.Recorder{}
	lib := &fakeLibrary{agent: panickingAgent{}}
	events := Collect(NewBridge(lib, WithLogger(logging.Nop()), WithSink(rec)).Stream(context.Background(), Request{
		Config:   chatConfig(),
		Messages: []Message{{Role: "user", Content: "q"}},
	}, tokenAuth()))

	last := events[len(events)-1]
	if last.Type != KindError || last.Error != "Agent panicked: agent blew up" || last.Trace == "" {
		t.Fatalf("expected panic error event, got %+v", last)
	}
	if evs := rec.Events(); len(evs) != 1 || evs[0].Status != observe.StatusFailed {
		t.Fatalf("expected one failed chat event, got %+v", evs)
	}
}
