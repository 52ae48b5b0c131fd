package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Gateway 从 IPFS 网关读取内容，按 CID 缓存
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	publicURL  string
	cache      *lru.Cache[string, json.RawMessage]
	logger     *logrus.Logger
}

// NewGateway 创建网关客户端
func NewGateway(cfg *config.IPFSConfig, logger *logrus.Logger) (*Gateway, error) {
	size := cfg.ABICacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[string, json.RawMessage](size)
	if err != nil {
		return nil, fmt.Errorf("创建网关缓存失败: %w", err)
	}

	return &Gateway{
		httpClient: &http.Client{Timeout: cfg.TimeoutDuration()},
		baseURL:    strings.TrimRight(cfg.GatewayURL, "/"),
		publicURL:  strings.TrimRight(cfg.PublicGatewayURL, "/"),
		cache:      cache,
		logger:     logger,
	}, nil
}

// FetchJSON 读取 CID 对应的 JSON 文档，内容寻址所以可以永久缓存
func (g *Gateway) FetchJSON(ctx context.Context, cid string) (json.RawMessage, error) {
	if cid == "" {
		return nil, errors.ErrInvalidInput.Wrap(fmt.Errorf("CID 不能为空"))
	}
	if doc, ok := g.cache.Get(cid); ok {
		return doc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/"+cid, nil)
	if err != nil {
		return nil, errors.ErrPinFailed.Wrap(err).WithComponent("ipfs_gateway")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrPinFailed.Wrap(err).WithComponent("ipfs_gateway").WithContext("cid", cid)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.ErrPinFailed.Wrap(err).WithComponent("ipfs_gateway").WithContext("cid", cid)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.ErrPinFailed.Wrap(fmt.Errorf("网关返回 HTTP %d", resp.StatusCode)).
			WithComponent("ipfs_gateway").
			WithContext("cid", cid).
			WithDetails(string(data))
	}
	if !json.Valid(data) {
		return nil, errors.ErrPinFailed.Wrap(fmt.Errorf("网关内容不是有效的JSON")).
			WithComponent("ipfs_gateway").
			WithContext("cid", cid)
	}

	g.cache.Add(cid, json.RawMessage(data))
	g.logger.WithField("cid", cid).Debug("已从网关读取内容")
	return data, nil
}

// FetchABI 读取文档中的 abi 字段
func (g *Gateway) FetchABI(ctx context.Context, cid string) (json.RawMessage, error) {
	doc, err := g.FetchJSON(ctx, cid)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(doc, &wrapper); err != nil || len(wrapper.ABI) == 0 {
		return nil, errors.ErrPinFailed.Wrap(fmt.Errorf("文档中没有 abi 字段")).
			WithComponent("ipfs_gateway").
			WithContext("cid", cid)
	}
	return wrapper.ABI, nil
}

// PublicURL 公共网关上的访问地址
func (g *Gateway) PublicURL(cid string) string {
	return g.publicURL + "/" + cid
}
