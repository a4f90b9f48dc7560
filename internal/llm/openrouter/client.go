package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"KrumpKraft/internal/llm"
)

const (
	defaultBaseURL   = "https://openrouter.ai/api/v1"
	defaultModelName = "stepfun/step-3.5-flash:free"
	defaultTimeout   = 60 * time.Second
	defaultReferer   = "https://krumpkraft.local"
)

// Config 描述调用 OpenRouter Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Referer string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenRouter 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	referer    string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenRouter 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenRouter API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	referer := strings.TrimSpace(cfg.Referer)
	if referer == "" {
		referer = defaultReferer
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		referer: referer,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Decide 调用 OpenRouter 取得本轮的唯一动作。
// 模型输出无法解析为 JSON 动作时返回 (nil, nil)。
func (c *Client) Decide(ctx context.Context, req llm.Request) (*llm.Action, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenRouter 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("HTTP-Referer", c.referer)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenRouter 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenRouter 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenRouter 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenRouter 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, nil
	}

	var action llm.Action
	if err := json.Unmarshal([]byte(stripFence(content)), &action); err != nil {
		return nil, nil
	}
	if action.Action == "" {
		return nil, nil
	}
	return &action, nil
}

// stripFence 去掉模型可能包裹的 markdown 代码块。
func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	return strings.TrimSpace(content)
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: buildSystemPrompt(req.Knowledge),
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  256,
		"temperature": 0.7,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenRouter 请求失败: %w", err)
	}
	return encoded, nil
}

func buildSystemPrompt(cards []llm.KnowledgeCard) string {
	var builder strings.Builder
	builder.WriteString("You are part of Agentic Krump Commerce on EVVM Story. You decide ONE action per turn for a Krump agent.\n\n")
	for _, card := range cards {
		builder.WriteString("## ")
		builder.WriteString(strings.TrimSpace(card.Title))
		builder.WriteString("\n")
		builder.WriteString(strings.TrimSpace(card.Content))
		builder.WriteString("\n\n")
	}
	builder.WriteString(`Reply with ONLY a single JSON object, no markdown or explanation. Valid actions:
1. chat — say something (announce cypher, class, studio build, merch; reply to what others said; keep under 100 chars).
2. commission — create a commission (e.g. "Build a dance studio", "Krump class session"). Needs description and budget (number, e.g. 5 or 10 for USDC.k).
3. pay — send USDC.k payment (needs to=0x address, amount e.g. 0.01, receiptId string). Only use if you have a concrete recipient and reason.
4. dance — do a short dance routine. Optional payload.duration (seconds, e.g. 10). Use to celebrate, respond to cypher, or hype.

Format: {"action":"chat"|"commission"|"pay"|"dance", "agentId":"<id>", "payload":{...}}
- chat: payload.message (string)
- commission: payload.description (string), payload.budget (string or number)
- pay: payload.to (string 0x...), payload.amount (string), payload.receiptId (string)
- dance: payload.duration (optional number, seconds)

Use the "Recent memory" section to avoid repeating failed actions and to keep track of what just happened.`)
	return builder.String()
}

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("Current state:\n")
	builder.WriteString(req.Context)
	builder.WriteString("\n\n")

	if len(req.RecentChat) > 0 {
		builder.WriteString("Recent chat:\n")
		for _, entry := range req.RecentChat {
			builder.WriteString(fmt.Sprintf("[%s] %s\n", entry.Username, entry.Message))
		}
	} else {
		builder.WriteString("Recent chat: none\n")
	}

	if strings.TrimSpace(req.Memory) != "" {
		builder.WriteString("\nRecent memory (use to avoid repeating failures):\n")
		builder.WriteString(req.Memory)
		builder.WriteString("\n")
	}

	builder.WriteString(fmt.Sprintf("\nThis turn you are deciding for agent: %s. You can reply to what others said. Your reply MUST include \"agentId\": %q. Reply with one JSON action only.", req.AgentID, req.AgentID))
	return builder.String()
}
