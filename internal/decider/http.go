package decider

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flitsinc/go-npcsim/internal/npc"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed decision.schema.json
var decisionSchema string

const maxResponseBytes = 1 << 20

// HTTP asks an external decision service. The service receives
// {"npc": <agent>} and answers with a decision object; responses that do not
// match decision.schema.json are rejected.
type HTTP struct {
	url    string
	apiKey string
	client *http.Client
	schema *jsonschema.Schema
}

type decisionRequest struct {
	NPC npc.Agent `json:"npc"`
}

func NewHTTP(url, apiKey string, client *http.Client) (*HTTP, error) {
	schema, err := jsonschema.CompileString("decision.schema.json", decisionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: client,
		schema: schema,
	}, nil
}

func (h *HTTP) GenerateDecision(ctx context.Context, agent npc.Agent) (npc.Decision, error) {
	body, err := json.Marshal(decisionRequest{NPC: agent})
	if err != nil {
		return npc.Decision{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return npc.Decision{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return npc.Decision{}, fmt.Errorf("decider request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return npc.Decision{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return npc.Decision{}, fmt.Errorf("decider status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return h.parse(raw)
}

func (h *HTTP) parse(raw []byte) (npc.Decision, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return npc.Decision{}, fmt.Errorf("decode response: %w", err)
	}
	if err := h.schema.Validate(doc); err != nil {
		return npc.Decision{}, fmt.Errorf("invalid decision: %w", err)
	}
	var decision npc.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return npc.Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	return decision, nil
}
