package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-personalize/backend/internal/model/personalization"
)

const (
	ProductionBaseURL = "https://api.personalize.studio/v1"
	SandboxBaseURL    = "https://sandbox-api.personalize.studio/v1"

	opCreateSession = "create session"
	opConfirmOrder  = "confirm order"

	maxErrorBody = 64 << 10
)

// BaseURLFor returns the default API base for an environment.
func BaseURLFor(env personalization.Environment) string {
	if env == personalization.EnvironmentSandbox {
		return SandboxBaseURL
	}
	return ProductionBaseURL
}

// CreateSessionRequest is the body of POST /create-session.
type CreateSessionRequest struct {
	SessionUUID string                   `json:"sessionUuid"`
	ProductID   string                   `json:"productId"`
	Platform    personalization.Platform `json:"platform"`
	Hostname    string                   `json:"hostname"`
}

// CreateSessionResponse echoes the identifier the service acknowledged.
type CreateSessionResponse struct {
	SessionUUID string `json:"sessionUuid"`
}

// OrderItem references one personalized product in an order.
type OrderItem struct {
	UUID      string `json:"uuid"`
	ProductID string `json:"productId"`
}

// ConfirmOrderRequest is the body of POST /external-order.
type ConfirmOrderRequest struct {
	Platform         personalization.Platform `json:"platform"`
	ExternalOrderID  string                   `json:"externalOrderId"`
	CustomerEmail    string                   `json:"customerEmail"`
	Personalizations []OrderItem              `json:"personalizations"`
	OrderData        map[string]any           `json:"orderData,omitempty"`
}

// Client issues the two calls of the remote session service. It never
// retries; callers own retry policy.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the transport, e.g. for tests or custom timeouts.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a client against baseURL. apiKey may be empty.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.Named("sessionapi")
	return c
}

// HasAPIKey reports whether requests carry a bearer token.
func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

// CreateSession registers a session with the remote service.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (CreateSessionResponse, error) {
	var resp CreateSessionResponse
	if err := c.post(ctx, opCreateSession, "/create-session", req, &resp); err != nil {
		return CreateSessionResponse{}, err
	}
	if strings.TrimSpace(resp.SessionUUID) == "" {
		resp.SessionUUID = req.SessionUUID
	}
	return resp, nil
}

// ConfirmOrder reports the personalized items of a placed order.
func (c *Client) ConfirmOrder(ctx context.Context, req ConfirmOrderRequest) (map[string]any, error) {
	resp := make(map[string]any)
	if err := c.post(ctx, opConfirmOrder, "/external-order", req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &personalization.NetworkError{Op: op, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &personalization.NetworkError{Op: op, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("remote call", zap.String("op", op), zap.String("path", path))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &personalization.NetworkError{Op: op, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &personalization.NetworkError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.Status),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &personalization.NetworkError{Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &personalization.NetworkError{Op: op, Message: "malformed response", Err: err}
	}
	return nil
}

func errorMessage(raw []byte, status string) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		return body.Error
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) <= 200 {
		return text
	}
	return fmt.Sprintf("unexpected response %s", status)
}
