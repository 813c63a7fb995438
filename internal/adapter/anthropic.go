package adapter

import (
	"context"
	"encoding/json"

	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

const anthropicVersion = "2023-06-01"

// anthropic speaks the Anthropic messages protocol.
type anthropic struct {
	cfg  models.ServiceConfig
	http *httpCaller
}

func newAnthropic(cfg models.ServiceConfig) *anthropic {
	return &anthropic{cfg: cfg, http: newHTTPCaller(cfg.Extra)}
}

func (a *anthropic) Initialize() error {
	if a.cfg.Endpoint == "" {
		return faults.New(faults.ConfigInvalid, "anthropic.init",
			"service %s: endpoint is required", a.cfg.ID)
	}
	if a.cfg.APIKey == "" {
		return faults.New(faults.ConfigInvalid, "anthropic.init",
			"service %s: api_key is required", a.cfg.ID)
	}
	return nil
}

func (a *anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropic) SendRequest(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	payload := anthropicRequest{
		Model:       model,
		Messages:    []models.ChatMessage{{Role: "user", Content: contextBlock(req)}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	body, err := a.http.do(ctx, "anthropic.send", "POST", a.cfg.Endpoint+"/v1/messages", a.headers(), payload)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, faults.Wrap(faults.MalformedResponse, "anthropic.send", err)
	}
	if len(resp.Content) == 0 {
		return nil, faults.New(faults.MalformedResponse, "anthropic.send", "response has no content blocks")
	}

	text := ""
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	result := &models.InferenceResult{
		Text:       text,
		Model:      resp.Model,
		Confidence: 1.0,
		Raw:        json.RawMessage(body),
	}
	if result.Model == "" {
		result.Model = model
	}
	if total := resp.Usage.InputTokens + resp.Usage.OutputTokens; total > 0 {
		result.Tokens = &total
	}
	return result, nil
}

// ListModels returns a static list: the messages API has no discovery
// endpoint usable with every compatible gateway.
func (a *anthropic) ListModels(ctx context.Context) ([]string, error) {
	if a.cfg.Model != "" {
		return []string{a.cfg.Model}, nil
	}
	return []string{"claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"}, nil
}

func (a *anthropic) TestConnection(ctx context.Context) error {
	model := a.cfg.Model
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	payload := anthropicRequest{
		Model:     model,
		Messages:  []models.ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	_, err := a.http.do(ctx, "anthropic.test", "POST", a.cfg.Endpoint+"/v1/messages", a.headers(), payload)
	return err
}

func (a *anthropic) Shutdown() error {
	a.http.close()
	return nil
}
