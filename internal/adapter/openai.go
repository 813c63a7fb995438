package adapter

import (
	"context"
	"encoding/json"

	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// openAI speaks the OpenAI chat-completions protocol. It also covers any
// OpenAI-compatible gateway that honors the same request shape.
type openAI struct {
	cfg  models.ServiceConfig
	http *httpCaller
}

func newOpenAI(cfg models.ServiceConfig) *openAI {
	return &openAI{cfg: cfg, http: newHTTPCaller(cfg.Extra)}
}

func (a *openAI) Initialize() error {
	if a.cfg.Endpoint == "" {
		return faults.New(faults.ConfigInvalid, "openai.init",
			"service %s: endpoint is required", a.cfg.ID)
	}
	if a.cfg.APIKey == "" {
		return faults.New(faults.ConfigInvalid, "openai.init",
			"service %s: api_key is required", a.cfg.ID)
	}
	return nil
}

func (a *openAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.APIKey}
}

type openAIRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (a *openAI) SendRequest(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}

	payload := openAIRequest{
		Model:       model,
		Messages:    []models.ChatMessage{{Role: "user", Content: contextBlock(req)}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	body, err := a.http.do(ctx, "openai.send", "POST", a.cfg.Endpoint+"/chat/completions", a.headers(), payload)
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, faults.Wrap(faults.MalformedResponse, "openai.send", err)
	}
	if len(resp.Choices) == 0 {
		return nil, faults.New(faults.MalformedResponse, "openai.send", "response has no choices")
	}

	result := &models.InferenceResult{
		Text:       resp.Choices[0].Message.Content,
		Model:      resp.Model,
		Confidence: 1.0,
		Raw:        json.RawMessage(body),
	}
	if result.Model == "" {
		result.Model = model
	}
	if resp.Usage.TotalTokens > 0 {
		t := resp.Usage.TotalTokens
		result.Tokens = &t
	}
	return result, nil
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (a *openAI) ListModels(ctx context.Context) ([]string, error) {
	body, err := a.http.do(ctx, "openai.models", "GET", a.cfg.Endpoint+"/models", a.headers(), nil)
	if err != nil {
		return nil, err
	}
	var list openAIModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, faults.Wrap(faults.MalformedResponse, "openai.models", err)
	}
	names := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func (a *openAI) TestConnection(ctx context.Context) error {
	// A single-token completion is the cheapest credential-validating call.
	model := a.cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	payload := openAIRequest{
		Model:     model,
		Messages:  []models.ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}
	_, err := a.http.do(ctx, "openai.test", "POST", a.cfg.Endpoint+"/chat/completions", a.headers(), payload)
	return err
}

func (a *openAI) Shutdown() error {
	a.http.close()
	return nil
}
