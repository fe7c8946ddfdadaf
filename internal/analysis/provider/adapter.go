package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/signalworks/insight/internal/pricing"
)

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidResult    = errors.New("invalid_provider_result")
	ErrUpstreamFailure  = errors.New("upstream_failure")
)

// Request carries the mode-derived parameters for one inference call.
type Request struct {
	Model       string
	System      string
	UserContent string
	ImageCount  int
	MaxTokens   int
	Temperature float64
}

// Result is a structured analysis result plus token accounting.
type Result struct {
	Output     json.RawMessage
	TokensUsed int64
}

// Adapter calls one inference provider.
type Adapter interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*Result, error)
}

// Registry holds the configured provider adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(a.Name()))
	if name == "" {
		return
	}
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	if r == nil {
		return nil, ErrProviderNotFound
	}
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return a, nil
}

// Params maps an analysis mode onto provider, model and call parameters.
type Params struct {
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
}

// ParamsForMode returns the fixed provider parameters for a mode.
func ParamsForMode(mode pricing.Mode) Params {
	switch mode {
	case pricing.ModeExpanded:
		return Params{Provider: "openai", Model: "gpt-4o", MaxTokens: 4096, Temperature: 0.4}
	case pricing.ModeDeep:
		return Params{Provider: "openai", Model: "o1", MaxTokens: 8192, Temperature: 1.0}
	default:
		return Params{Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 1024, Temperature: 0.2}
	}
}
