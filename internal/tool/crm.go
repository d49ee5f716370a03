package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"alfred/internal/domain"
)

const maxResponseBytes = 1 << 20

// CRMConfig configures the HTTP client behind the CRM tools.
type CRMConfig struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
	Retry        RetryPolicy
	RateLimiter  *RateLimiter // optional
	HTTPClient   *http.Client // optional, defaults to SharedHTTPClient(Timeout)
	Logger       *slog.Logger
}

// CRMClient performs the CRM API calls behind every remote tool.
type CRMClient struct {
	baseURL      string
	serviceToken string
	client       *http.Client
	retry        RetryPolicy
	limiter      *RateLimiter
	logger       *slog.Logger
}

func NewCRMClient(cfg CRMConfig) *CRMClient {
	client := cfg.HTTPClient
	if client == nil {
		client = SharedHTTPClient(cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CRMClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceToken: cfg.ServiceToken,
		client:       client,
		retry:        cfg.Retry,
		limiter:      cfg.RateLimiter,
		logger:       logger,
	}
}

// Authorization resolves the header value sent with every call of a run:
// the caller's own header when present, else the service token.
func (c *CRMClient) Authorization(authHeader string) string {
	if authHeader != "" {
		return authHeader
	}
	if c.serviceToken != "" {
		return "Bearer " + c.serviceToken
	}
	return ""
}

// Tools returns one tool per dispatchable kind with auth bound in.
func (c *CRMClient) Tools(authHeader string) []domain.Tool {
	auth := c.Authorization(authHeader)
	tools := make([]domain.Tool, 0, len(domain.KnownTools))
	for _, kind := range domain.KnownTools {
		tools = append(tools, &crmTool{kind: kind, client: c, auth: auth})
	}
	return tools
}

type crmTool struct {
	kind   domain.ToolKind
	client *CRMClient
	auth   string
}

func (t *crmTool) Kind() domain.ToolKind { return t.kind }

func (t *crmTool) Execute(ctx context.Context, input domain.ToolInput) (any, error) {
	if input == nil || input.Kind() != t.kind {
		return nil, &domain.ToolError{Tool: t.kind, Message: fmt.Sprintf("unexpected input %T", input)}
	}
	method, path, body, err := crmRequest(input)
	if err != nil {
		return nil, &domain.ToolError{Tool: t.kind, Message: err.Error(), Err: err}
	}
	return t.client.call(ctx, t.kind, method, path, body, t.auth)
}

type sendMessageBody struct {
	Body string `json:"body"`
}

type suggestReplyBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type createFlowBody struct {
	Prompt string `json:"prompt"`
}

// crmRequest maps a tool input onto its CRM endpoint.
func crmRequest(input domain.ToolInput) (method, path string, body any, err error) {
	switch in := input.(type) {
	case domain.SendMessageInput:
		if in.ConversationID == "" {
			return "", "", nil, errors.New("missing conversationId")
		}
		return http.MethodPost, "/api/v1/conversations/" + url.PathEscape(in.ConversationID) + "/messages",
			sendMessageBody{Body: in.Message}, nil
	case domain.CreateTaskInput:
		return http.MethodPost, "/api/v1/tasks", in, nil
	case domain.GetLeadInput:
		if in.LeadID == "" {
			return "", "", nil, errors.New("missing leadId")
		}
		return http.MethodGet, "/api/v1/leads/" + url.PathEscape(in.LeadID) + "/full", nil, nil
	case domain.SuggestReplyInput:
		return http.MethodPost, "/api/v1/ai/suggest-reply",
			suggestReplyBody{Message: in.Message, ConversationID: in.ConversationID}, nil
	case domain.CreateFlowInput:
		return http.MethodPost, "/api/v1/ai/flow/create", createFlowBody{Prompt: in.Prompt}, nil
	case domain.PredictConversionInput:
		if in.LeadID == "" {
			return "", "", nil, errors.New("missing leadId")
		}
		return http.MethodPost, "/api/ai/predict-conversion/" + url.PathEscape(in.LeadID), nil, nil
	default:
		return "", "", nil, fmt.Errorf("no CRM endpoint for %T", input)
	}
}

func (c *CRMClient) call(ctx context.Context, kind domain.ToolKind, method, path string, body any, auth string) (any, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &domain.ToolError{Tool: kind, Message: "encode request", Err: err}
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &domain.ToolError{Tool: kind, Message: err.Error(), Err: err}
		}
	}

	buildReq := func() (*http.Request, error) {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return req, nil
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, c.client, c.retry, buildReq, c.logger)
	if err != nil {
		return nil, &domain.ToolError{Tool: kind, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.ToolError{Tool: kind, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	c.logger.Debug("CRM call",
		"tool", kind,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	decoded, decodeErr := decodeBody(raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.ToolError{
			Tool:    kind,
			Status:  resp.StatusCode,
			Message: errorMessage(decoded, resp.StatusCode),
			Payload: decoded,
		}
	}
	if decodeErr != nil {
		return nil, &domain.ToolError{Tool: kind, Status: resp.StatusCode, Message: "invalid JSON response", Err: decodeErr}
	}
	return decoded, nil
}

// decodeBody decodes a JSON body; an empty body decodes to nil.
func decodeBody(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// errorMessage prefers the API's own "error" string over the status text.
func errorMessage(payload any, status int) string {
	if m, ok := payload.(map[string]any); ok {
		if s, ok := m["error"].(string); ok && s != "" {
			return s
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}
