package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"
)

const (
	defaultRequestsPerMinute = 60
	defaultBurst             = 5
)

// ProviderOptions configure a langchaingo-backed client.
type ProviderOptions struct {
	Provider          string
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerMinute int
}

// LangChain adapts an llms.Model to Client.
type LangChain struct {
	Provider string
	Model    llms.Model
	limiter  *rate.Limiter
}

// NewLangChain wraps model with a request rate limiter.
func NewLangChain(provider string, model llms.Model, requestsPerMinute int) *LangChain {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	return &LangChain{
		Provider: provider,
		Model:    model,
		limiter:  rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), defaultBurst),
	}
}

// NewProvider builds a client for one of the supported providers.
func NewProvider(opts ProviderOptions) (*LangChain, error) {
	var (
		model llms.Model
		err   error
	)
	switch strings.ToLower(opts.Provider) {
	case "openai", "":
		o := []openai.Option{openai.WithToken(opts.APIKey)}
		if opts.Model != "" {
			o = append(o, openai.WithModel(opts.Model))
		}
		if opts.BaseURL != "" {
			o = append(o, openai.WithBaseURL(opts.BaseURL))
		}
		model, err = openai.New(o...)
	case "anthropic":
		o := []anthropic.Option{anthropic.WithToken(opts.APIKey)}
		if opts.Model != "" {
			o = append(o, anthropic.WithModel(opts.Model))
		}
		if opts.BaseURL != "" {
			return nil, fmt.Errorf("base_url is not supported for provider %q", opts.Provider)
		}
		model, err = anthropic.New(o...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s provider: %w", opts.Provider, err)
	}
	name := opts.Provider
	if name == "" {
		name = "openai"
	}
	return NewLangChain(name, model, opts.RequestsPerMinute), nil
}

func (c *LangChain) Complete(ctx context.Context, msgs []Message, p Params) (Response, error) {
	return c.generate(ctx, msgs, p, nil)
}

func (c *LangChain) Stream(ctx context.Context, msgs []Message, p Params, onChunk func(chunk string) error) (Response, error) {
	return c.generate(ctx, msgs, p, onChunk)
}

func (c *LangChain) generate(ctx context.Context, msgs []Message, p Params, onChunk func(string) error) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limiter: %w", err)
		}
	}
	var opts []llms.CallOption
	if p.Model != "" {
		opts = append(opts, llms.WithModel(p.Model))
	}
	if p.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(p.Temperature))
	}
	if p.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.MaxTokens))
	}
	if onChunk != nil {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			return onChunk(string(chunk))
		}))
	}
	resp, err := c.Model.GenerateContent(ctx, toMessageContent(msgs), opts...)
	if err != nil {
		return Response{}, Classify(c.Provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, &PermanentError{Provider: c.Provider, Err: fmt.Errorf("empty response")}
	}
	choice := resp.Choices[0]
	out := Response{Content: choice.Content, Model: p.Model, StopReason: choice.StopReason}
	out.InputTokens, out.OutputTokens = tokenCounts(choice.GenerationInfo)
	return out, nil
}

func toMessageContent(msgs []Message) []llms.MessageContent {
	res := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		role := schema.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = schema.ChatMessageTypeSystem
		case RoleAssistant:
			role = schema.ChatMessageTypeAI
		}
		res = append(res, llms.TextParts(role, m.Content))
	}
	return res
}

// tokenCounts reads usage from generation info; providers disagree on keys.
func tokenCounts(info map[string]any) (in, out int) {
	in = intFrom(info, "PromptTokens", "InputTokens")
	out = intFrom(info, "CompletionTokens", "OutputTokens")
	return in, out
}

func intFrom(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
