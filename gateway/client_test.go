package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"caresim/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.GatewayConfig{
		BaseURL:        srv.URL + "/",
		ResidentModel:  "resident",
		HelperModel:    "helper",
		EvaluatorModel: "evaluator",
		Timeout:        2 * time.Second,
		GradingTimeout: 2 * time.Second,
		SignInTimeout:  2 * time.Second,
	}, zap.NewNop())
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestConverseSendsFilteredMessages(t *testing.T) {
	var got completionRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion("hello")))
	})

	reply, err := client.Converse(context.Background(), "tok", []Message{
		{Role: "user", Content: "hi"},
		{Role: "", Content: "orphan"},
		{Role: "assistant", Content: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, "resident", got.Model)
	assert.Nil(t, got.Temperature)
	assert.Equal(t, []Message{{Role: "user", Content: "hi"}}, got.Messages)
}

func TestHelpUsesHelperTemperature(t *testing.T) {
	var got completionRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion("ask about pain")))
	})

	reply, err := client.Help(context.Background(), "tok", []Message{{Role: "user", Content: "help"}})
	require.NoError(t, err)
	assert.Equal(t, "ask about pain", reply)
	assert.Equal(t, "helper", got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.7, *got.Temperature, 1e-9)
}

func TestGradeParsesJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"plain", `{"score":{"percentage":85}}`},
		{"fenced", "```json\n{\"score\":{\"percentage\":85}}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got completionRequest
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				_, _ = w.Write([]byte(completion(tt.content)))
			})

			result, err := client.Grade(context.Background(), "tok", []Message{{Role: "user", Content: "grade"}})
			require.NoError(t, err)
			assert.Equal(t, "evaluator", got.Model)
			require.NotNil(t, got.Temperature)
			assert.InDelta(t, 0.3, *got.Temperature, 1e-9)
			assert.Equal(t, 85.0, result["score"].(map[string]any)["percentage"])
		})
	}
}

func TestGradeRejectsUnusableContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"prose", "Great job overall!"},
		{"array", `[1, 2, 3]`},
		{"error key", `{"score":{"percentage":70},"error":"none"}`},
		{"failed status", `{"status":"failed","score":{"percentage":70}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(completion(tt.content)))
			})

			result, err := client.Grade(context.Background(), "tok", nil)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, ErrInvalidGradingFormat)
			assert.Equal(t, KindInvalidGradingFormat, KindOf(err))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   Kind
		detail string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"detail":"token expired"}`, KindAuthExpired, "token expired"},
		{"detail field", http.StatusBadRequest, `{"detail":"bad model"}`, KindGateway, "bad model"},
		{"error string", http.StatusInternalServerError, `{"error":"upstream down"}`, KindGateway, "upstream down"},
		{"nested message", http.StatusBadGateway, `{"error":{"message":"rate limited","code":429}}`, KindGateway, "rate limited"},
		{"message field", http.StatusServiceUnavailable, `{"message":"maintenance"}`, KindGateway, "maintenance"},
		{"raw text", http.StatusInternalServerError, `Internal Server Error`, KindGateway, "Internal Server Error"},
		{"no choices", http.StatusOK, `{"choices":[]}`, KindInvalidResponse, "response has no choices"},
		{"missing content", http.StatusOK, `{"choices":[{"message":{}}]}`, KindInvalidResponse, "choices[0].message.content missing"},
		{"not json", http.StatusOK, `<html>`, KindInvalidResponse, "response body is not JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Converse(context.Background(), "tok", []Message{{Role: "user", Content: "hi"}})
			require.Error(t, err)

			var gwErr *Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.kind, gwErr.Kind)
			assert.Equal(t, tt.detail, gwErr.Detail)
			if tt.status >= 400 {
				assert.Equal(t, tt.status, gwErr.StatusCode)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	client := NewClient(config.GatewayConfig{
		BaseURL:        srv.URL,
		Timeout:        50 * time.Millisecond,
		GradingTimeout: 50 * time.Millisecond,
		SignInTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	_, err := client.Converse(context.Background(), "tok", []Message{{Role: "user", Content: "hi"}})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "timed out after 50ms")
}

func TestSignIn(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auths/signin", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"token":"gw-token","id":"u1"}`))
	})

	token, err := client.SignIn(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "gw-token", token)

	_, err = client.SignIn(context.Background(), "a@b.c", "wrong")
	assert.ErrorIs(t, err, ErrAuthExpired)
}
