package story

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.storyapis.com/api/v4"
	defaultTimeout = 30 * time.Second
	pageLimit      = 100
)

// Config 描述 Story Protocol v4 REST API 的访问参数。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// IPAsset 是 Story 上一个 IP 资产的概要。
type IPAsset struct {
	IPID          string `json:"ipId"`
	OwnerAddress  string `json:"ownerAddress"`
	Name          string `json:"name,omitempty"`
	Title         string `json:"title,omitempty"`
	TokenContract string `json:"tokenContract,omitempty"`
	TokenID       string `json:"tokenId,omitempty"`
}

// ListResult 是按 owner 查询 IP 资产的结果。
type ListResult struct {
	Data    []IPAsset `json:"data"`
	Total   int       `json:"total"`
	HasMore bool      `json:"hasMore"`
}

// Client 查询 Story Protocol 的 IP 资产列表。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建 Story API 客户端，apiKey 可为空。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListByOwner 查询某地址持有的 IP 资产，按区块号倒序。
func (c *Client) ListByOwner(ctx context.Context, ownerAddress string) (*ListResult, error) {
	body, err := json.Marshal(map[string]any{
		"where":          map[string]string{"ownerAddress": ownerAddress},
		"pagination":     map[string]int{"limit": pageLimit, "offset": 0},
		"orderBy":        "blockNumber",
		"orderDirection": "desc",
	})
	if err != nil {
		return nil, fmt.Errorf("序列化 Story 请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assets", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构建 Story 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 Story API 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Story API error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		Data       []IPAsset `json:"data"`
		Pagination struct {
			Total   int  `json:"total"`
			HasMore bool `json:"hasMore"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 Story 响应失败: %w", err)
	}

	for i := range decoded.Data {
		if decoded.Data[i].OwnerAddress == "" {
			decoded.Data[i].OwnerAddress = ownerAddress
		}
	}
	total := decoded.Pagination.Total
	if total == 0 {
		total = len(decoded.Data)
	}
	return &ListResult{
		Data:    decoded.Data,
		Total:   total,
		HasMore: decoded.Pagination.HasMore,
	}, nil
}
