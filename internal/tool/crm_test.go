package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfred/internal/domain"
)

type capturedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

func crmServer(t *testing.T, status int, response string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := capturedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.Body)
		}
		captured = append(captured, c)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func dispatcherFor(srv *httptest.Server, serviceToken, auth string) domain.Dispatcher {
	crm := NewCRMClient(CRMConfig{
		BaseURL:      srv.URL + "/",
		ServiceToken: serviceToken,
		HTTPClient:   srv.Client(),
		Logger:       testLogger(),
	})
	return NewToolset(crm, testLogger()).Dispatcher(auth)
}

func TestCRMTools_Endpoints(t *testing.T) {
	cases := []struct {
		name   string
		input  domain.ToolInput
		method string
		path   string
		body   map[string]any
	}{
		{"sendMessage", domain.SendMessageInput{ConversationID: "C1", Message: "Olá"}, http.MethodPost,
			"/api/v1/conversations/C1/messages", map[string]any{"body": "Olá"}},
		{"createTask", domain.CreateTaskInput{Title: "T", Description: "D", Priority: "medium", ConversationID: "C1"}, http.MethodPost,
			"/api/v1/tasks", map[string]any{"title": "T", "description": "D", "priority": "medium", "conversation_id": "C1"}},
		{"getLead", domain.GetLeadInput{LeadID: "L1"}, http.MethodGet,
			"/api/v1/leads/L1/full", nil},
		{"suggestReply", domain.SuggestReplyInput{Message: "preço?", ConversationID: "C1"}, http.MethodPost,
			"/api/v1/ai/suggest-reply", map[string]any{"message": "preço?", "conversation_id": "C1"}},
		{"suggestReply without conversation", domain.SuggestReplyInput{Message: "oi"}, http.MethodPost,
			"/api/v1/ai/suggest-reply", map[string]any{"message": "oi"}},
		{"createFlow", domain.CreateFlowInput{Prompt: "nutrir leads"}, http.MethodPost,
			"/api/v1/ai/flow/create", map[string]any{"prompt": "nutrir leads"}},
		{"predictConversion", domain.PredictConversionInput{LeadID: "L9"}, http.MethodPost,
			"/api/ai/predict-conversion/L9", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, captured := crmServer(t, http.StatusOK, `{"ok":true}`)
			out, err := dispatcherFor(srv, "", "Bearer caller").Dispatch(context.Background(), tc.input)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"ok": true}, out)

			require.Len(t, *captured, 1)
			got := (*captured)[0]
			assert.Equal(t, tc.method, got.Method)
			assert.Equal(t, tc.path, got.Path)
			assert.Equal(t, "Bearer caller", got.Auth)
			assert.Equal(t, tc.body, got.Body)
		})
	}
}

func TestCRMTools_ServiceTokenFallback(t *testing.T) {
	srv, captured := crmServer(t, http.StatusOK, `{}`)
	_, err := dispatcherFor(srv, "svc-123", "").Dispatch(context.Background(), domain.GetLeadInput{LeadID: "L1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer svc-123", (*captured)[0].Auth)
}

func TestCRMTools_NoAuthHeaderWithoutToken(t *testing.T) {
	srv, captured := crmServer(t, http.StatusOK, `{}`)
	_, err := dispatcherFor(srv, "", "").Dispatch(context.Background(), domain.GetLeadInput{LeadID: "L1"})
	require.NoError(t, err)
	assert.Empty(t, (*captured)[0].Auth)
}

func TestCRMTools_NonSuccessBecomesToolError(t *testing.T) {
	srv, _ := crmServer(t, http.StatusUnprocessableEntity, `{"error":"conversation closed","code":42}`)
	_, err := dispatcherFor(srv, "", "").Dispatch(context.Background(), domain.SendMessageInput{ConversationID: "C1", Message: "x"})

	var te *domain.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.ToolSendMessage, te.Tool)
	assert.Equal(t, http.StatusUnprocessableEntity, te.Status)
	assert.Equal(t, "conversation closed", te.Message)
	assert.Equal(t, map[string]any{"error": "conversation closed", "code": float64(42)}, te.Payload)
}

func TestCRMTools_StatusTextWhenNoErrorField(t *testing.T) {
	srv, _ := crmServer(t, http.StatusNotFound, `{"detail":"nope"}`)
	_, err := dispatcherFor(srv, "", "").Dispatch(context.Background(), domain.GetLeadInput{LeadID: "L1"})

	var te *domain.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "Not Found", te.Message)
}

func TestCRMTools_InvalidJSON(t *testing.T) {
	srv, _ := crmServer(t, http.StatusOK, `<html>`)
	_, err := dispatcherFor(srv, "", "").Dispatch(context.Background(), domain.GetLeadInput{LeadID: "L1"})

	var te *domain.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "invalid JSON response", te.Message)
}

func TestCRMTools_EmptyBody(t *testing.T) {
	srv, _ := crmServer(t, http.StatusOK, ``)
	out, err := dispatcherFor(srv, "", "").Dispatch(context.Background(), domain.CreateFlowInput{Prompt: "p"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCRMTools_MissingPathID(t *testing.T) {
	srv, captured := crmServer(t, http.StatusOK, `{}`)
	d := dispatcherFor(srv, "", "")

	_, err := d.Dispatch(context.Background(), domain.SendMessageInput{Message: "x"})
	var te *domain.ToolError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Message, "conversationId")

	_, err = d.Dispatch(context.Background(), domain.GetLeadInput{})
	require.Error(t, err)
	assert.Empty(t, *captured)
}

func TestCRMTools_RetriesGetOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"L1"}`))
	}))
	defer srv.Close()

	crm := NewCRMClient(CRMConfig{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Retry:      RetryPolicy{MaxRetries: 3},
		Logger:     testLogger(),
	})
	out, err := NewToolset(crm, testLogger()).Dispatcher("").Dispatch(context.Background(), domain.GetLeadInput{LeadID: "L1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "L1"}, out)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCRMTools_DoesNotRetryPostOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	crm := NewCRMClient(CRMConfig{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Retry:      RetryPolicy{MaxRetries: 3},
		Logger:     testLogger(),
	})
	_, err := NewToolset(crm, testLogger()).Dispatcher("").Dispatch(context.Background(),
		domain.SendMessageInput{ConversationID: "C1", Message: "x"})

	var te *domain.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusInternalServerError, te.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCRMTools_RetriesPostOnTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"sent":true}`))
	}))
	defer srv.Close()

	crm := NewCRMClient(CRMConfig{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Retry:      RetryPolicy{MaxRetries: 2},
		Logger:     testLogger(),
	})
	out, err := NewToolset(crm, testLogger()).Dispatcher("").Dispatch(context.Background(),
		domain.SendMessageInput{ConversationID: "C1", Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sent": true}, out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCRMTool_RejectsMismatchedInput(t *testing.T) {
	crm := NewCRMClient(CRMConfig{BaseURL: "http://crm.invalid", Logger: testLogger()})
	tools := crm.Tools("")
	require.Len(t, tools, len(domain.KnownTools))

	_, err := tools[0].Execute(context.Background(), domain.CreateFlowInput{})
	var te *domain.ToolError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Message, "unexpected input")
}
