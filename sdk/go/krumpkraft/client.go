package krumpkraft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the KrumpKraft REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu        sync.RWMutex
	authToken string
}

// AgentStatus mirrors the agent view returned by the API. Balances are
// decimal strings in base units.
type AgentStatus struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Role             string `json:"role"`
	State            string `json:"state"`
	Balance          string `json:"balance"`
	IPBalance        string `json:"ipBalance"`
	IPNativeBalance  string `json:"ipNativeBalance"`
	PrincipalBalance string `json:"principalBalance"`
	TasksCompleted   int    `json:"tasksCompleted"`
	RevenueGenerated string `json:"revenueGenerated"`
	IPAssetCount     *int   `json:"ipAssetCount,omitempty"`
	LastActive       int64  `json:"lastActive"`
}

// CommandResult is the outcome of an agent command.
type CommandResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Transaction is one entry of the merged transaction feed.
type Transaction struct {
	AgentID   string `json:"agentId"`
	TxHash    string `json:"txHash"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Commission is a choreography commission on the swarm order book.
type Commission struct {
	ID              string `json:"id"`
	ChoreographerID string `json:"choreographerId"`
	Description     string `json:"description"`
	Budget          string `json:"budget"`
	Status          string `json:"status"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt,omitempty"`
}

// ActivityEntry is one chat or action entry from the activity feed.
type ActivityEntry struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	AgentID   string         `json:"agentId,omitempty"`
	Username  string         `json:"username,omitempty"`
	Message   string         `json:"message,omitempty"`
	Action    string         `json:"action,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Hint       string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Hint != "" {
		return fmt.Sprintf("krumpkraft api error (%d): %s - %s", e.StatusCode, e.Message, e.Hint)
	}
	return fmt.Sprintf("krumpkraft api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the KrumpKraft API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAuthToken stores the bearer token sent with write requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) authHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// Health reports whether the daemon is reachable and how many agents it runs.
func (c *Client) Health(ctx context.Context) (agents int, err error) {
	var out struct {
		Status string `json:"status"`
		Agents int    `json:"agents"`
	}
	if err := c.get(ctx, "/health", &out); err != nil {
		return 0, err
	}
	return out.Agents, nil
}

// ListAgents returns the status of every registered agent.
func (c *Client) ListAgents(ctx context.Context) ([]AgentStatus, error) {
	var out struct {
		Agents []AgentStatus `json:"agents"`
	}
	if err := c.get(ctx, "/api/v1/agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches a single agent's status by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (AgentStatus, error) {
	var out AgentStatus
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &out); err != nil {
		return AgentStatus{}, err
	}
	return out, nil
}

// RunCommand dispatches a command (pay, transferUsdc, submitVerification, ...)
// to an agent and returns its result.
func (c *Client) RunCommand(ctx context.Context, agentID, command string, params map[string]any) (CommandResult, error) {
	var out struct {
		Success bool          `json:"success"`
		Result  CommandResult `json:"result"`
	}
	body := map[string]any{"command": command}
	if params != nil {
		body["params"] = params
	}
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/command"
	if err := c.post(ctx, endpoint, body, &out); err != nil {
		return CommandResult{}, err
	}
	out.Result.Success = out.Success
	return out.Result, nil
}

// Transactions returns the merged transaction feed, newest first.
func (c *Client) Transactions(ctx context.Context, limit int) ([]Transaction, error) {
	endpoint := "/api/v1/transactions"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Commissions lists the swarm's commission order book.
func (c *Client) Commissions(ctx context.Context) ([]Commission, error) {
	var out struct {
		Commissions []Commission `json:"commissions"`
	}
	if err := c.get(ctx, "/api/v1/commissions", &out); err != nil {
		return nil, err
	}
	return out.Commissions, nil
}

// CreateCommission posts a new choreography commission and returns its id.
func (c *Client) CreateCommission(ctx context.Context, choreographerID, description, budget string) (string, error) {
	var out struct {
		Success    bool `json:"success"`
		Commission struct {
			ID string `json:"id"`
		} `json:"commission"`
	}
	body := map[string]any{
		"choreographerId": choreographerID,
		"description":     description,
		"budget":          budget,
	}
	if err := c.post(ctx, "/api/v1/commissions", body, &out); err != nil {
		return "", err
	}
	return out.Commission.ID, nil
}

// Activity returns the recent chat and action feed, newest first.
func (c *Client) Activity(ctx context.Context) ([]ActivityEntry, error) {
	var out struct {
		Activity []ActivityEntry `json:"activity"`
	}
	if err := c.get(ctx, "/api/v1/activity", &out); err != nil {
		return nil, err
	}
	return out.Activity, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.authHeader(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
