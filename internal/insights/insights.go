// Package insights turns sync telemetry into short operator-facing summaries.
package insights

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"vetsync.org/internal/obs"
)

const DefaultModel = "gpt-4o-mini"

// Request carries the numbers to summarize, e.g. Topic "contact_sync" with
// imported/exported/updated/errors counts.
type Request struct {
	Topic   string             `json:"topic"`
	Metrics map[string]float64 `json:"metrics"`
	Notes   string             `json:"notes,omitempty"`
}

type Response struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Model  string `json:"model,omitempty"`
}

// Generator produces insight text.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

var errEmptyTopic = errors.New("insight topic is required")

// New returns an OpenAI-backed generator that falls back to Mock on
// failure, or Mock alone when apiKey is empty.
func New(apiKey, model string) Generator {
	if strings.TrimSpace(apiKey) == "" {
		return Mock{}
	}
	return Fallback{Primary: NewOpenAI(openai.NewClient(apiKey), model), Secondary: Mock{}}
}

type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(client *openai.Client, model string) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{client: client, model: model}
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return Response{}, errEmptyTopic
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a veterinary practice operations analyst summarizing data synchronization telemetry."},
			{Role: openai.ChatMessageRoleUser, Content: prompt(req)},
		},
		Temperature: 0.2,
		MaxTokens:   200,
	})
	if err != nil {
		return Response{}, fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("no choices returned")
	}
	return Response{
		Text:   strings.TrimSpace(resp.Choices[0].Message.Content),
		Source: "openai",
		Model:  resp.Model,
	}, nil
}

func prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s.", req.Topic)
	for _, k := range sortedKeys(req.Metrics) {
		fmt.Fprintf(&b, " %s: %g.", k, req.Metrics[k])
	}
	if req.Notes != "" {
		fmt.Fprintf(&b, " Notes: %s.", req.Notes)
	}
	b.WriteString(" Provide a concise summary for clinic staff (max 3 sentences).")
	return b.String()
}

// Mock composes a deterministic summary without any network call.
type Mock struct{}

func (Mock) Generate(_ context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return Response{}, errEmptyTopic
	}
	topic := strings.ReplaceAll(req.Topic, "_", " ")
	parts := make([]string, 0, len(req.Metrics))
	for _, k := range sortedKeys(req.Metrics) {
		parts = append(parts, fmt.Sprintf("%s %g", strings.ReplaceAll(k, "_", " "), req.Metrics[k]))
	}
	text := fmt.Sprintf("Summary for %s", topic)
	if len(parts) > 0 {
		text += ": " + strings.Join(parts, ", ")
	}
	text += "."
	if req.Metrics["errors"] > 0 {
		text += " Some records failed and should be reviewed in the sync history."
	}
	return Response{Text: text, Source: "mock"}, nil
}

// Fallback uses Secondary when Primary fails.
type Fallback struct {
	Primary   Generator
	Secondary Generator
}

func (f Fallback) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := f.Primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, errEmptyTopic) || ctx.Err() != nil {
		return Response{}, err
	}
	obs.Logger().Warnw("insight generation failed, using fallback", "topic", req.Topic, "error", err)
	return f.Secondary.Generate(ctx, req)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
