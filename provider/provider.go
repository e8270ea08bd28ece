package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/askbridge/askbridge/config"
	"github.com/askbridge/askbridge/models"
	openai_provider "github.com/askbridge/askbridge/provider/openai"
)

// Provider is the interface all LLM implementations satisfy.
type Provider interface {
	ChatWithTools(ctx context.Context, role models.Role, req models.ChatRequest) (models.ChatResponse, error)
}

// New builds a provider from config, resolving the routed models.
func New(cfg config.LLMConfig) (Provider, error) {
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			if pc.APIKey == "" {
				return nil, fmt.Errorf("provider %s: api_key not set", name)
			}
			reasoning, err := resolveModel(pc, cfg.Routing.Reasoning, cfg.Routing.Fallback)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			formatting, err := resolveModel(pc, cfg.Routing.Formatting, cfg.Routing.Fallback)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			return openai_provider.NewClient(openai_provider.Options{
				APIKey:          pc.APIKey,
				BaseURL:         pc.BaseURL,
				ReasoningModel:  reasoning,
				FormattingModel: formatting,
				MaxRetries:      pc.MaxRetries,
				Timeout:         pc.Timeout,
			}), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type %q", pc.Type)
		}
	}
	return nil, errors.New("no LLM providers configured")
}

func resolveModel(pc config.LLMProvider, name, fallback string) (openai_provider.Model, error) {
	if name == "" {
		name = fallback
	}
	m, ok := pc.Models[name]
	if !ok {
		return openai_provider.Model{}, fmt.Errorf("routed model %q not configured", name)
	}
	api := m.APIName
	if api == "" {
		api = m.Name
	}
	return openai_provider.Model{
		Name:        api,
		MaxTokens:   m.MaxTokens,
		Temperature: m.Temperature,
	}, nil
}
