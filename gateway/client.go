package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"caresim/config"
	"caresim/models"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	helpTemperature    = 0.7
	gradingTemperature = 0.3

	largeConversationChars = 30000
	maxResponseBytes       = 4 << 20
	maxDetailChars         = 500
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type callOptions struct {
	op          string
	model       string
	temperature *float64
	timeout     time.Duration
}

// Client talks to the chat-completion gateway. It never retries and never
// refreshes credentials; the caller supplies a bearer token per call.
type Client struct {
	httpClient *http.Client
	cfg        config.GatewayConfig
	log        *zap.Logger
}

func NewClient(cfg config.GatewayConfig, log *zap.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		// per-call deadlines come from the request context
		httpClient: &http.Client{},
		cfg:        cfg,
		log:        log.Named("gateway"),
	}
}

// Converse sends the transcript to the resident model. Messages without a
// role or content are dropped with a warning.
func (c *Client) Converse(ctx context.Context, token string, messages []Message) (string, error) {
	valid := make([]Message, 0, len(messages))
	totalChars := 0
	for i, m := range messages {
		if m.Role == "" || m.Content == "" {
			c.log.Warn("skipping invalid message", zap.Int("index", i), zap.String("role", m.Role))
			continue
		}
		totalChars += len(m.Content)
		valid = append(valid, m)
	}
	if totalChars > largeConversationChars {
		c.log.Warn("large conversation",
			zap.Int("chars", totalChars),
			zap.Int("estimated_tokens", totalChars/4))
	}

	body, err := c.complete(ctx, token, valid, callOptions{
		op:      "converse",
		model:   c.cfg.ResidentModel,
		timeout: c.cfg.Timeout,
	})
	if err != nil {
		return "", err
	}
	return extractContent("converse", body)
}

func (c *Client) Help(ctx context.Context, token string, messages []Message) (string, error) {
	temp := helpTemperature
	body, err := c.complete(ctx, token, messages, callOptions{
		op:          "help",
		model:       c.cfg.HelperModel,
		temperature: &temp,
		timeout:     c.cfg.Timeout,
	})
	if err != nil {
		return "", err
	}
	return extractContent("help", body)
}

// Grade asks the evaluator model for a report and decodes it. The model's
// reply must be a JSON object, optionally wrapped in a markdown code fence.
func (c *Client) Grade(ctx context.Context, token string, messages []Message) (map[string]any, error) {
	temp := gradingTemperature
	body, err := c.complete(ctx, token, messages, callOptions{
		op:          "grade",
		model:       c.cfg.EvaluatorModel,
		temperature: &temp,
		timeout:     c.cfg.GradingTimeout,
	})
	if err != nil {
		return nil, err
	}

	content, err := extractContent("grade", body)
	if err != nil {
		return nil, err
	}

	raw := stripCodeFence(content)
	if !gjson.Valid(raw) {
		c.log.Error("grading content is not JSON", zap.String("content", truncate(content, maxDetailChars)))
		return nil, &Error{Kind: KindInvalidGradingFormat, Op: "grade", Detail: "content is not valid JSON"}
	}
	if !gjson.Parse(raw).IsObject() {
		return nil, &Error{Kind: KindInvalidGradingFormat, Op: "grade", Detail: "expected a JSON object"}
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, &Error{Kind: KindInvalidGradingFormat, Op: "grade", Detail: err.Error(), Err: err}
	}
	if models.HasFailureMarker(result) {
		return nil, &Error{Kind: KindInvalidGradingFormat, Op: "grade", Detail: "evaluator reported a failure: " + truncate(raw, maxDetailChars)}
	}
	return result, nil
}

// SignIn exchanges user credentials for a gateway bearer token.
func (c *Client) SignIn(ctx context.Context, email, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}

	body, err := c.post(ctx, "signin", "/auths/signin", "", payload, c.cfg.SignInTimeout)
	if err != nil {
		return "", err
	}

	token := gjson.GetBytes(body, "token")
	if token.Type != gjson.String || token.String() == "" {
		return "", &Error{Kind: KindInvalidResponse, Op: "signin", Detail: "no token in sign-in response"}
	}
	return token.String(), nil
}

func (c *Client) complete(ctx context.Context, token string, messages []Message, opts callOptions) ([]byte, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       opts.model,
		Messages:    messages,
		Temperature: opts.temperature,
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug("chat completion request",
		zap.String("op", opts.op),
		zap.String("model", opts.model),
		zap.Int("messages", len(messages)),
		zap.Duration("timeout", opts.timeout))

	body, err := c.post(ctx, opts.op, "/chat/completions", token, payload, opts.timeout)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.Kind == KindGateway {
			c.log.Error("gateway request failed",
				zap.String("op", opts.op),
				zap.String("model", opts.model),
				zap.Int("status", gwErr.StatusCode),
				zap.String("detail", gwErr.Detail),
				zap.Int("messages", len(messages)))
		}
		return nil, err
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, op, path, token string, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindGateway, Op: op, Detail: err.Error(), Cause: fmt.Sprintf("%T", err), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, op, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, op, timeout, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Kind: KindAuthExpired, Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(body)}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindGateway, Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(body)}
	}

	if !gjson.ValidBytes(body) {
		return nil, &Error{Kind: KindInvalidResponse, Op: op, StatusCode: resp.StatusCode, Detail: "response body is not JSON"}
	}
	return body, nil
}

func transportError(ctx context.Context, op string, timeout time.Duration, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Op: op, Timeout: timeout, Err: err}
	}
	cause := err
	if inner := errors.Unwrap(err); inner != nil {
		cause = inner
	}
	return &Error{Kind: KindGateway, Op: op, Detail: err.Error(), Cause: fmt.Sprintf("%T", cause), Err: err}
}

func extractContent(op string, body []byte) (string, error) {
	choices := gjson.GetBytes(body, "choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Op: op, Detail: "response has no choices"}
	}
	content := choices.Get("0.message.content")
	if content.Type != gjson.String {
		return "", &Error{Kind: KindInvalidResponse, Op: op, Detail: "choices[0].message.content missing"}
	}
	return content.String(), nil
}

// errorDetail picks the most useful message out of an error body: a
// detail, error or message field, a nested message, or the raw text.
func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if parsed.IsObject() {
			for _, key := range []string{"detail", "error", "message"} {
				field := parsed.Get(key)
				if !field.Exists() || field.Type == gjson.Null {
					continue
				}
				if field.IsObject() {
					if nested := field.Get("message"); nested.Exists() && nested.String() != "" {
						return nested.String()
					}
					return truncate(field.Raw, maxDetailChars)
				}
				if s := field.String(); s != "" {
					return truncate(s, maxDetailChars)
				}
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)), maxDetailChars)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
