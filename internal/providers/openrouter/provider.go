package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/tomatic/tomatic-backend/internal/config"
	"github.com/tomatic/tomatic-backend/internal/models"
	"github.com/tomatic/tomatic-backend/internal/providers"
)

// Provider implements providers.Provider against an OpenRouter-compatible API
type Provider struct {
	config     config.ProviderConfig
	client     *openai.Client
	httpClient *http.Client
}

// NewProvider creates a new OpenRouter provider. A missing API key is a
// precondition failure, rejected here before any network call.
func NewProvider(cfg config.ProviderConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenRouter API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{
		config: cfg,
		client: openai.NewClientWithConfig(clientCfg),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "openrouter"
}

// ValidateConfig validates the provider configuration
func (p *Provider) ValidateConfig() error {
	if p.config.APIKey == "" {
		return errors.New("API key is required")
	}
	return nil
}

// StreamComplete opens a streamed completion and adapts the wire stream to
// StreamChunk values. Usage is requested so the terminal chunk carries token
// counts.
func (p *Provider) StreamComplete(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	chunks := make(chan providers.StreamChunk)

	go func() {
		defer close(chunks)

		// The consumer may cancel and walk away mid-stream; every send races
		// ctx so this goroutine never blocks on an abandoned channel.
		send := func(chunk providers.StreamChunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, p.convertRequest(req))
		if err != nil {
			send(providers.StreamChunk{Error: err.Error()})
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(providers.StreamChunk{FinishReason: "stop"})
				return
			}
			if err != nil {
				send(providers.StreamChunk{Error: err.Error()})
				return
			}

			if response.Usage != nil {
				if !send(providers.StreamChunk{Usage: &providers.Usage{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
				}}) {
					return
				}
				continue
			}

			if len(response.Choices) > 0 {
				if delta := response.Choices[0].Delta.Content; delta != "" {
					if !send(providers.StreamChunk{Delta: delta}) {
						return
					}
				}
			}
		}
	}()

	return chunks, nil
}

func (p *Provider) convertRequest(req providers.CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}

	return out
}

// modelList mirrors OpenRouter's /models response; pricing comes back as
// per-token USD strings.
type modelList struct {
	Data []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// ListModels fetches the model catalog with pricing. The go-openai client
// does not surface OpenRouter's pricing metadata, so this hits /models
// directly.
func (p *Provider) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	url := p.config.BaseURL + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("models request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models response: %w", err)
	}

	infos := make([]models.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		infos = append(infos, models.ModelInfo{
			ID:                    m.ID,
			Name:                  m.Name,
			PromptCostPerMTok:     parsePricePerMTok(m.Pricing.Prompt),
			CompletionCostPerMTok: parsePricePerMTok(m.Pricing.Completion),
		})
	}

	return infos, nil
}

// parsePricePerMTok converts a per-token USD price string to a per-million-
// token figure. Unparseable pricing yields nil, which downstream cost
// accounting treats as zero.
func parsePricePerMTok(price string) *float64 {
	v, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return nil
	}
	perMTok := v * 1_000_000
	return &perMTok
}
