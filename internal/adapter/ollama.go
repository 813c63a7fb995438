package adapter

import (
	"context"
	"encoding/json"

	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// ollama speaks to a local Ollama daemon through its OpenAI-compatible
// chat endpoint. No API key is required.
type ollama struct {
	cfg  models.ServiceConfig
	http *httpCaller
}

func newOllama(cfg models.ServiceConfig) *ollama {
	return &ollama{cfg: cfg, http: newHTTPCaller(cfg.Extra)}
}

func (a *ollama) Initialize() error {
	if a.cfg.Endpoint == "" {
		return faults.New(faults.ConfigInvalid, "ollama.init",
			"service %s: endpoint is required", a.cfg.ID)
	}
	return nil
}

func (a *ollama) SendRequest(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
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

	body, err := a.http.do(ctx, "ollama.send", "POST", a.cfg.Endpoint+"/v1/chat/completions", nil, payload)
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, faults.Wrap(faults.MalformedResponse, "ollama.send", err)
	}
	if len(resp.Choices) == 0 {
		return nil, faults.New(faults.MalformedResponse, "ollama.send", "response has no choices")
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

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (a *ollama) ListModels(ctx context.Context) ([]string, error) {
	body, err := a.http.do(ctx, "ollama.models", "GET", a.cfg.Endpoint+"/api/tags", nil, nil)
	if err != nil {
		return nil, err
	}
	var tags ollamaTags
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, faults.Wrap(faults.MalformedResponse, "ollama.models", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// TestConnection lists tags: it verifies the daemon is up without running
// a model.
func (a *ollama) TestConnection(ctx context.Context) error {
	_, err := a.http.do(ctx, "ollama.test", "GET", a.cfg.Endpoint+"/api/tags", nil, nil)
	return err
}

func (a *ollama) Shutdown() error {
	a.http.close()
	return nil
}
