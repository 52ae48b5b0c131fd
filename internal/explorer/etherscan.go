package explorer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
)

// ErrSourceNotVerified 合约没有已验证的源码
var ErrSourceNotVerified = stderrors.New("未找到已验证的合约源码")

// VerifiedSource 浏览器返回的已验证源码
type VerifiedSource struct {
	Address         string `json:"address"`
	ContractName    string `json:"contract_name"`
	CompilerVersion string `json:"compiler_version"`
	SourceCode      string `json:"source_code"`
}

// Client Etherscan 兼容的合约源码查询客户端
type Client struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	logger     *logrus.Logger
}

// NewClient 创建浏览器客户端
func NewClient(cfg *config.ChainConfig, logger *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     cfg.ExplorerAPIURL,
		apiKey:     cfg.ExplorerAPIKey,
		logger:     logger,
	}
}

type sourceResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type sourceEntry struct {
	SourceCode      string `json:"SourceCode"`
	ContractName    string `json:"ContractName"`
	CompilerVersion string `json:"CompilerVersion"`
}

// FetchSource 查询 module=contract&action=getsourcecode
func (c *Client) FetchSource(ctx context.Context, address string) (*VerifiedSource, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.ErrInvalidInput.Wrap(fmt.Errorf("合约地址为空"))
	}
	if c.apiURL == "" {
		return nil, errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置浏览器API地址")).WithComponent("explorer")
	}

	params := url.Values{}
	params.Set("module", "contract")
	params.Set("action", "getsourcecode")
	params.Set("address", address)
	params.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求浏览器API失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取浏览器响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("浏览器API返回 HTTP %d", resp.StatusCode)
	}

	var parsed sourceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析浏览器响应失败: %w", err)
	}
	if parsed.Status != "1" {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"message": parsed.Message,
		}).Warn("浏览器未返回源码")
		return nil, ErrSourceNotVerified
	}

	// 出错时 result 是字符串
	var entries []sourceEntry
	if err := json.Unmarshal(parsed.Result, &entries); err != nil || len(entries) == 0 {
		return nil, ErrSourceNotVerified
	}
	entry := entries[0]
	if strings.TrimSpace(entry.SourceCode) == "" {
		return nil, ErrSourceNotVerified
	}

	return &VerifiedSource{
		Address:         address,
		ContractName:    entry.ContractName,
		CompilerVersion: entry.CompilerVersion,
		SourceCode:      flattenSource(entry.SourceCode),
	}, nil
}

// flattenSource 多文件的 standard-json 输入按文件名拼接成单个源码
func flattenSource(source string) string {
	trimmed := strings.TrimSpace(source)
	if !strings.HasPrefix(trimmed, "{") {
		return source
	}
	// 浏览器对 standard-json 额外包了一层花括号
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		trimmed = trimmed[1 : len(trimmed)-1]
	}

	var input struct {
		Sources map[string]struct {
			Content string `json:"content"`
		} `json:"sources"`
	}
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil || len(input.Sources) == 0 {
		var files map[string]struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(trimmed), &files); err != nil || len(files) == 0 {
			return source
		}
		input.Sources = files
	}

	names := make([]string, 0, len(input.Sources))
	for name := range input.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "// File: %s\n%s\n\n", name, input.Sources[name].Content)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
