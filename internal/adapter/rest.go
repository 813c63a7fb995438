package adapter

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/synapse-iot/synapse/pkg/faults"
	"github.com/synapse-iot/synapse/pkg/models"
)

// restAdapter is the generic-REST variant. The user describes the backend's
// own request shape as a JSON template with placeholders and names the
// extraction path for the response text. The template mechanism is a small
// validated interpreter, not arbitrary code.
//
// Recognized extra-config keys:
//
//	request_template  JSON text with ${prompt} ${model} ${temperature}
//	                  ${max_tokens} ${context} placeholders (required)
//	response_path     dotted/indexed extraction path (required)
//	confidence_path   optional path to a [0,1] confidence number
//	method            HTTP method, default POST
//	headers           map of extra request headers
//	models            static model list for ListModels
type restAdapter struct {
	cfg  models.ServiceConfig
	http *httpCaller

	template       string
	responsePath   string
	confidencePath string
	method         string
	headers        map[string]string
}

func newREST(cfg models.ServiceConfig) *restAdapter {
	return &restAdapter{cfg: cfg, http: newHTTPCaller(cfg.Extra)}
}

func (a *restAdapter) Initialize() error {
	if a.cfg.Endpoint == "" {
		return faults.New(faults.ConfigInvalid, "rest.init",
			"service %s: endpoint is required", a.cfg.ID)
	}

	a.template = extraStr(a.cfg.Extra, "request_template", "")
	if a.template == "" {
		return faults.New(faults.ConfigInvalid, "rest.init",
			"service %s: request_template is required", a.cfg.ID)
	}
	a.responsePath = extraStr(a.cfg.Extra, "response_path", "")
	if a.responsePath == "" {
		return faults.New(faults.ConfigInvalid, "rest.init",
			"service %s: response_path is required", a.cfg.ID)
	}
	a.confidencePath = extraStr(a.cfg.Extra, "confidence_path", "")
	a.method = extraStr(a.cfg.Extra, "method", "POST")

	// Validate the template against sample values so a malformed template
	// is caught at load time rather than on the first event.
	sample := a.render(&models.InferenceRequest{Prompt: "sample", Model: "m", Temperature: 0.1, MaxTokens: 1})
	if !json.Valid([]byte(sample)) {
		return faults.New(faults.ConfigInvalid, "rest.init",
			"service %s: request_template does not produce valid JSON", a.cfg.ID)
	}

	a.headers = map[string]string{}
	if raw, ok := a.cfg.Extra["headers"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				a.headers[k] = s
			}
		}
	}
	if a.cfg.APIKey != "" {
		if _, set := a.headers["Authorization"]; !set {
			a.headers["Authorization"] = "Bearer " + a.cfg.APIKey
		}
	}
	return nil
}

// render substitutes placeholders. String values are JSON-escaped so the
// template stays valid JSON regardless of prompt content.
func (a *restAdapter) render(req *models.InferenceRequest) string {
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}

	ctxJSON := "{}"
	if len(req.Context) > 0 {
		if b, err := json.Marshal(req.Context); err == nil {
			ctxJSON = string(b)
		}
	}

	r := strings.NewReplacer(
		"${prompt}", jsonEscape(req.Prompt),
		"${model}", jsonEscape(model),
		"${temperature}", strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		"${max_tokens}", strconv.Itoa(req.MaxTokens),
		"${context}", ctxJSON,
	)
	return r.Replace(a.template)
}

// jsonEscape returns s escaped for inclusion inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func (a *restAdapter) SendRequest(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	payload := json.RawMessage(a.render(req))

	body, err := a.http.do(ctx, "rest.send", a.method, a.cfg.Endpoint, a.headers, payload)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, faults.Wrap(faults.MalformedResponse, "rest.send", err)
	}

	text, err := extractString(doc, a.responsePath)
	if err != nil {
		return nil, faults.Wrap(faults.MalformedResponse, "rest.send", err)
	}

	confidence := 1.0
	if a.confidencePath != "" {
		c, err := extractFloat(doc, a.confidencePath)
		if err != nil {
			return nil, faults.Wrap(faults.MalformedResponse, "rest.send", err)
		}
		confidence = models.ClampConfidence(c)
	}

	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	return &models.InferenceResult{
		Text:       text,
		Model:      model,
		Confidence: confidence,
		Raw:        json.RawMessage(body),
	}, nil
}

// ListModels returns the static list from extra config; generic backends
// have no discovery endpoint.
func (a *restAdapter) ListModels(ctx context.Context) ([]string, error) {
	var names []string
	if raw, ok := a.cfg.Extra["models"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	}
	if len(names) == 0 && a.cfg.Model != "" {
		names = []string{a.cfg.Model}
	}
	return names, nil
}

// TestConnection sends the templated request with a throwaway prompt and
// discards the result; only reachability is reported.
func (a *restAdapter) TestConnection(ctx context.Context) error {
	payload := json.RawMessage(a.render(&models.InferenceRequest{Prompt: "ping", MaxTokens: 1}))
	_, err := a.http.do(ctx, "rest.test", a.method, a.cfg.Endpoint, a.headers, payload)
	return err
}

func (a *restAdapter) Shutdown() error {
	a.http.close()
	return nil
}
