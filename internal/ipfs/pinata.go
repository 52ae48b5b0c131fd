package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"

	"github.com/sirupsen/logrus"
)

const (
	pinJSONPath = "/pinning/pinJSONToIPFS"
	pinFilePath = "/pinning/pinFileToIPFS"

	uploadedVia = "AuditSmart"
)

// Pinner Pinata 固定服务客户端，失败不重试、不去重
type Pinner struct {
	httpClient *http.Client
	cfg        *config.IPFSConfig
	logger     *logrus.Logger
}

// NewPinner 创建 Pinata 客户端
func NewPinner(cfg *config.IPFSConfig, logger *logrus.Logger) *Pinner {
	return &Pinner{
		httpClient: &http.Client{Timeout: cfg.TimeoutDuration()},
		cfg:        cfg,
		logger:     logger,
	}
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues"`
}

// PinJSON 固定 JSON 对象，返回 CID
func (p *Pinner) PinJSON(ctx context.Context, v interface{}) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", errors.ErrPinFailed.Wrap(fmt.Errorf("序列化元数据失败: %w", err)).WithComponent("ipfs")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(pinJSONPath), bytes.NewReader(body))
	if err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs")
	}
	req.Header.Set("Content-Type", "application/json")

	return p.do(req, "json")
}

// PinFile 以 multipart 上传文件内容，返回 CID
func (p *Pinner) PinFile(ctx context.Context, content []byte, name string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs")
	}
	if _, err := part.Write(content); err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs")
	}

	metadata, _ := json.Marshal(pinMetadata{
		Name: name,
		KeyValues: map[string]string{
			"type":         artifactType(name),
			"uploaded_via": uploadedVia,
		},
	})
	if err := writer.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs")
	}
	if err := writer.WriteField("pinataMetadata", string(metadata)); err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs")
	}
	if err := writer.Close(); err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(pinFilePath), &buf)
	if err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return p.do(req, name)
}

func (p *Pinner) do(req *http.Request, name string) (string, error) {
	req.Header.Set("pinata_api_key", p.cfg.APIKey)
	req.Header.Set("pinata_secret_api_key", p.cfg.APISecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs").WithContext("name", name)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.ErrPinFailed.Wrap(err).WithComponent("ipfs").WithContext("name", name)
	}

	if resp.StatusCode != http.StatusOK {
		return "", errors.ErrPinFailed.Wrap(fmt.Errorf("HTTP %d", resp.StatusCode)).
			WithComponent("ipfs").
			WithContext("name", name).
			WithDetails(string(data))
	}

	var parsed pinResponse
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.IpfsHash == "" {
		return "", errors.ErrPinFailed.Wrap(fmt.Errorf("响应中没有 IpfsHash")).
			WithComponent("ipfs").
			WithDetails(string(data))
	}

	p.logger.WithFields(logrus.Fields{
		"name": name,
		"cid":  parsed.IpfsHash,
		"size": parsed.PinSize,
	}).Info("内容已固定到IPFS")

	return parsed.IpfsHash, nil
}

func (p *Pinner) endpoint(path string) string {
	return strings.TrimRight(p.cfg.APIURL, "/") + path
}

// artifactType 合约源码与报告分开打标签
func artifactType(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".sol") {
		return "smart_contract"
	}
	return "audit_report"
}

// URI ipfs:// 形式的地址
func URI(cid string) string {
	return "ipfs://" + cid
}
