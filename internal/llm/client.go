package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"

	"github.com/sirupsen/logrus"
)

// SystemPrompt 所有请求共用的系统提示词
const SystemPrompt = "You are a helpful smart contract auditor."

// Completer 补全接口
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Client OpenRouter 兼容的聊天补全客户端，不做自动重试
type Client struct {
	httpClient *http.Client
	cfg        *config.LLMConfig
	logger     *logrus.Logger
}

// NewClient 创建客户端
func NewClient(cfg *config.LLMConfig, logger *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.TimeoutDuration()},
		cfg:        cfg,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete 发送一次补全请求，返回去掉首尾空白的内容
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.ErrLLMRequestFailed.Wrap(err).WithComponent("llm")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	c.logger.WithField("model", c.cfg.Model).Debug("发送大模型请求")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.ErrLLMRequestFailed.Wrap(err).WithComponent("llm")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.ErrLLMRequestFailed.Wrap(err).WithComponent("llm")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.ErrLLMRequestFailed.Wrap(fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 500))).
			WithComponent("llm").
			WithContext("status", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.ErrLLMRequestFailed.Wrap(fmt.Errorf("响应无法解析: %w", err)).WithComponent("llm")
	}
	if len(parsed.Choices) == 0 {
		return "", errors.ErrLLMRequestFailed.Wrap(fmt.Errorf("响应中没有 choices")).WithComponent("llm")
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
