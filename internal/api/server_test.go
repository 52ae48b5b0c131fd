package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditsmart/internal/audit"
	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/internal/llm"
	"auditsmart/internal/ratelimit"
	"auditsmart/pkg/models"
)

const tokenSource = `pragma solidity ^0.8.0;
contract Token {
    function transfer(address to, uint256 amount) external {}
}
`

type stubLimiter struct {
	decision ratelimit.Decision
}

func (s *stubLimiter) CheckAndRegister(ctx context.Context, identity string) (ratelimit.Decision, error) {
	return s.decision, nil
}

type stubLLM struct{}

func (stubLLM) FindVulnerabilities(ctx context.Context, source string) (*models.VulnerabilityScan, error) {
	return models.NewParsedScan(&models.VulnerabilityReport{ContractName: "Token", OverallRiskScore: 1}, "{}"), nil
}

func (stubLLM) DescribeContract(ctx context.Context, source string) (string, error) {
	return "A token.", nil
}

func (stubLLM) GenerateFixedContract(ctx context.Context, original, findings string) (string, error) {
	return original, nil
}

func (stubLLM) SummarizeChanges(ctx context.Context, original, fixed string) (string, error) {
	return "", nil
}

func (stubLLM) SecuritySummary(ctx context.Context, source string) (string, error) {
	return "Low risk.", nil
}

type stubReports struct {
	saved     []*models.MintingReport
	duplicate bool
}

func (s *stubReports) SaveMintingReport(ctx context.Context, r *models.MintingReport) (string, bool, error) {
	s.saved = append(s.saved, r)
	return "report-1", s.duplicate, nil
}

func (s *stubReports) FindMintingReportsByRecipient(ctx context.Context, recipient string) ([]models.MintingReport, error) {
	var out []models.MintingReport
	for _, r := range s.saved {
		if r.Recipient == recipient {
			out = append(out, *r)
		}
	}
	return out, nil
}

type stubGateway struct {
	abi json.RawMessage
	err error
}

func (s *stubGateway) FetchABI(ctx context.Context, cid string) (json.RawMessage, error) {
	return s.abi, s.err
}

func (s *stubGateway) PublicURL(cid string) string {
	return "https://gateway.test/ipfs/" + cid
}

type stubCompiler struct {
	err error
}

func (s *stubCompiler) Compile(ctx context.Context, source string) (*models.CompilationResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.CompilationResult{ContractName: "Token", Bytecode: "0x6080", CompilerVersion: "0.8.19"}, nil
}

func newTestServer(t *testing.T, limiter audit.Limiter, mutate func(*Services, *config.Config)) (*Server, *gin.Engine) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))

	cfg := config.GetDefaultConfig()
	cfg.Server.Mode = gin.TestMode
	cfg.Chain.ContractsDir = t.TempDir()

	services := Services{
		Orchestrator: audit.New(audit.Dependencies{Limiter: limiter, LLM: stubLLM{}}, logger),
		Compiler:     &stubCompiler{},
		Gateway:      &stubGateway{abi: json.RawMessage(`[]`)},
		Reports:      &stubReports{},
	}
	if mutate != nil {
		mutate(&services, cfg)
	}

	server := NewServer(cfg, services, logger)
	return server, server.Router()
}

func uploadRequest(t *testing.T, path, content string, headers map[string]string) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "Token.sol")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func jsonRequest(t *testing.T, method, path string, v interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(router *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestRootAndHealth(t *testing.T) {
	_, router := newTestServer(t, nil, nil)

	w, body := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, serviceName, body["service"])

	w, body = serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "chain")
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

type stubChain struct{}

func (stubChain) GetStats() map[string]interface{} {
	return map[string]interface{}{"connected": true, "chain_id": "1776"}
}

func TestHealthIncludesChainStats(t *testing.T) {
	_, router := newTestServer(t, nil, func(s *Services, _ *config.Config) {
		s.Chain = stubChain{}
	})

	w, body := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	chain, ok := body["chain"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1776", chain["chain_id"])
}

func TestAuditOnly(t *testing.T) {
	wallet := map[string]string{"wallet-address": "0xabc"}

	tests := []struct {
		name       string
		decision   ratelimit.Decision
		headers    map[string]string
		content    string
		wantStatus int
		wantDetail string
	}{
		{
			name:       "缺少钱包头",
			decision:   ratelimit.Decision{Allowed: true},
			content:    tokenSource,
			wantStatus: http.StatusBadRequest,
			wantDetail: msgWalletRequired,
		},
		{
			name:       "试用次数用完",
			decision:   ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonTrialExceeded},
			headers:    wallet,
			content:    tokenSource,
			wantStatus: http.StatusForbidden,
			wantDetail: ratelimit.ReasonTrialExceeded,
		},
		{
			name:       "每日上限",
			decision:   ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonDailyLimit},
			headers:    wallet,
			content:    tokenSource,
			wantStatus: http.StatusForbidden,
			wantDetail: ratelimit.ReasonDailyLimit,
		},
		{
			name:       "空文件",
			decision:   ratelimit.Decision{Allowed: true},
			headers:    wallet,
			content:    "   ",
			wantStatus: http.StatusBadRequest,
			wantDetail: msgFileRequired,
		},
		{
			name:       "审计成功",
			decision:   ratelimit.Decision{Allowed: true, Reason: ratelimit.ReasonAllowed},
			headers:    wallet,
			content:    tokenSource,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestServer(t, &stubLimiter{decision: tt.decision}, nil)

			w, body := serve(router, uploadRequest(t, "/api/v1/audit-only/", tt.content, tt.headers))
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, body["detail"])
				return
			}
			assert.Equal(t, "Token", body["contract_name"])
			assert.Contains(t, body["message"], "Audit complete.")
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	_, router := newTestServer(t, nil, func(_ *Services, cfg *config.Config) {
		cfg.Server.MaxUploadBytes = 16
	})

	w, body := serve(router, uploadRequest(t, "/api/v1/quick-security-scan/", tokenSource, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, msgFileRequired, body["detail"])
}

func TestQuickScanAndDescription(t *testing.T) {
	_, router := newTestServer(t, nil, nil)

	w, body := serve(router, uploadRequest(t, "/api/v1/quick-security-scan/", tokenSource, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Security scan complete. Risk level: MINIMAL", body["message"])

	w, body = serve(router, uploadRequest(t, "/api/v1/get-contract-description/", tokenSource, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "A token.", body["contract_description"])
}

type failingCompleter struct {
	err error
}

func (f failingCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return "", f.err
}

func TestLLMFailuresAtRequestBoundary(t *testing.T) {
	cause := stderrors.New(`HTTP 401: {"error":"invalid key sk-or-v1-abc123 for org acme-internal"}`)
	newRouter := func(t *testing.T) *gin.Engine {
		_, router := newTestServer(t, nil, func(s *Services, _ *config.Config) {
			logger := logrus.New()
			logger.SetLevel(logrus.PanicLevel)
			auditor := llm.NewAuditor(failingCompleter{err: errors.ErrLLMRequestFailed.Wrap(cause)}, logger)
			s.Orchestrator = audit.New(audit.Dependencies{LLM: auditor}, logger)
		})
		return router
	}

	t.Run("描述失败返回默认描述", func(t *testing.T) {
		w, body := serve(newRouter(t), uploadRequest(t, "/api/v1/get-contract-description/", tokenSource, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, "Unable to generate description for Token contract due to analysis error.", body["contract_description"])
	})

	tests := []struct {
		name   string
		path   string
		detail string
	}{
		{"漏洞分析", "/api/v1/analyze-vulnerabilities/", msgScanFailed},
		{"快速扫描", "/api/v1/quick-security-scan/", msgQuickScanFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name+"失败不回显内部错误", func(t *testing.T) {
			w := httptest.NewRecorder()
			newRouter(t).ServeHTTP(w, uploadRequest(t, tt.path, tokenSource, nil))

			assert.Equal(t, http.StatusInternalServerError, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.detail, body["detail"])
			assert.NotContains(t, w.Body.String(), "sk-or-v1-abc123")
			assert.NotContains(t, w.Body.String(), "LLM_REQUEST_FAILED")
		})
	}
}

func TestAuditDeployedContract_RequiresAddress(t *testing.T) {
	_, router := newTestServer(t, nil, nil)

	w, body := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/audit-deployed-contract/", map[string]string{"address": " "}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, msgAddressRequired, body["detail"])
}

func TestCompileOnly(t *testing.T) {
	t.Run("编译成功", func(t *testing.T) {
		_, router := newTestServer(t, nil, nil)
		w, body := serve(router, uploadRequest(t, "/api/v1/compile-only", tokenSource, nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Token", body["contract_name"])
		assert.Equal(t, "0.8.19", body["solc_version"])
	})

	t.Run("编译失败", func(t *testing.T) {
		_, router := newTestServer(t, nil, func(s *Services, _ *config.Config) {
			s.Compiler = &stubCompiler{err: stderrors.New("ParserError: Expected ';'")}
		})
		w, body := serve(router, uploadRequest(t, "/api/v1/compile-only", tokenSource, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, body["detail"], "Compilation failed")
	})
}

func TestDeployValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
	}{
		{name: "源码和文件名都为空", body: map[string]interface{}{}, wantStatus: http.StatusBadRequest},
		{name: "路径穿越", body: map[string]interface{}{"file_name": "../secret.sol"}, wantStatus: http.StatusBadRequest},
		{name: "文件不存在", body: map[string]interface{}{"file_name": "Missing.sol"}, wantStatus: http.StatusNotFound},
		{name: "未配置部署器", body: map[string]interface{}{"source": tokenSource}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestServer(t, nil, nil)
			w, _ := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/deploy", tt.body))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestDeployReadsContractsDir(t *testing.T) {
	var dir string
	_, router := newTestServer(t, nil, func(_ *Services, cfg *config.Config) {
		dir = cfg.Chain.ContractsDir
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Token.sol"), []byte(tokenSource), 0o644))

	// 文件存在时进入部署流程，未配置部署器返回错误结果
	w, body := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/deploy", map[string]interface{}{"file_name": "Token.sol"}))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, models.StatusError, body["status"])
}

func TestMintValidation(t *testing.T) {
	_, router := newTestServer(t, nil, nil)

	w, body := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/nft/mint", map[string]string{
		"recipient": "not-an-address",
		"token_uri": "ipfs://cid",
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["errors"])
}

func TestMintingReport(t *testing.T) {
	report := map[string]interface{}{
		"metadata":         map[string]string{"name": "Audit #1"},
		"token_id":         "1",
		"token_uri":        "ipfs://bafy",
		"nft_contract":     "0x857b213598ed77fb4e862fc4355c13c472b94078",
		"transaction_hash": "0x" + string(bytes.Repeat([]byte("a"), 64)),
		"recipient":        "0xB97FCDCD02FE2B50D8014B80080C904845E027F1",
	}

	t.Run("首次保存", func(t *testing.T) {
		_, router := newTestServer(t, nil, nil)
		w, body := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/minting-report", report))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Minting report saved", body["message"])
		assert.Equal(t, "report-1", body["id"])

		// 保存时地址已转小写
		w, body = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/minting-reports/0xb97fcdcd02fe2b50d8014b80080c904845e027f1", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, body["reports"], 1)
	})

	t.Run("重复记录", func(t *testing.T) {
		_, router := newTestServer(t, nil, func(s *Services, _ *config.Config) {
			s.Reports = &stubReports{duplicate: true}
		})
		w, body := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/minting-report", report))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "This NFT minting record already exists", body["message"])
		assert.Equal(t, true, body["is_duplicate"])
	})

	t.Run("交易哈希非法", func(t *testing.T) {
		_, router := newTestServer(t, nil, nil)
		bad := map[string]interface{}{}
		for k, v := range report {
			bad[k] = v
		}
		bad["transaction_hash"] = "0x123"
		w, body := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/minting-report", bad))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotEmpty(t, body["errors"])
	})
}

func TestNFTConfig(t *testing.T) {
	t.Run("未配置", func(t *testing.T) {
		_, router := newTestServer(t, nil, nil)
		w, body := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/nft-config/", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NFT config missing", body["detail"])
	})

	t.Run("已配置", func(t *testing.T) {
		_, router := newTestServer(t, nil, func(s *Services, cfg *config.Config) {
			cfg.Chain.NFTContractAddress = "0x857b213598ed77fb4e862fc4355c13c472b94078"
			cfg.Chain.NFTContractABICID = "bafyabi"
			s.Gateway = &stubGateway{abi: json.RawMessage(`[{"type":"function","name":"mint"}]`)}
		})
		w, body := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/nft-config/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "0x857b213598ed77fb4e862fc4355c13c472b94078", body["nft_contract_address"])
		assert.Len(t, body["nft_abi"], 1)
	})

	t.Run("网关失败", func(t *testing.T) {
		_, router := newTestServer(t, nil, func(s *Services, cfg *config.Config) {
			cfg.Chain.NFTContractAddress = "0x857b213598ed77fb4e862fc4355c13c472b94078"
			cfg.Chain.NFTContractABICID = "bafyabi"
			s.Gateway = &stubGateway{err: stderrors.New("gateway down")}
		})
		w, _ := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/nft-config/", nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestAuditWalletsUnavailable(t *testing.T) {
	_, router := newTestServer(t, nil, nil)
	w, _ := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/audit-wallets/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSettingsWithoutDatabase(t *testing.T) {
	_, router := newTestServer(t, nil, nil)

	w, body := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "file", body["source"])

	w, _ = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/settings/llm.model", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskSetting(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{name: "普通设置", key: "llm.model", value: "gpt-4o", want: "gpt-4o"},
		{name: "密钥", key: "llm.api_key", value: "sk-1", want: "******"},
		{name: "空密钥", key: "ipfs.secret", value: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, maskSetting(tt.key, tt.value))
		})
	}
}

func TestLogsEndpoints(t *testing.T) {
	server, router := newTestServer(t, nil, nil)
	server.logger.WithField(requestIDKey, "req-42").Warn("配额检查失败")
	server.logger.Info("普通日志")

	w, body := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/logs?request_id=req-42", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])

	w, body = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/logs?level=warning", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])

	w, _ = serve(router, httptest.NewRequest(http.MethodDelete, "/api/v1/logs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	logs, total := server.logManager.GetLogsWithPagination(LogFilter{RequestID: "req-42"}, 1, 10)
	assert.Empty(t, logs)
	assert.Zero(t, total)
}

func TestLogManagerRing(t *testing.T) {
	lm := NewLogManager(3)
	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	logger.AddHook(NewLogHook(lm))

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		logger.Info(msg)
	}

	logs, total := lm.GetLogsWithPagination(LogFilter{}, 1, 10)
	require.Equal(t, 3, total)
	assert.Equal(t, "e", logs[0].Message)
	assert.Equal(t, "c", logs[2].Message)

	logs, total = lm.GetLogsWithPagination(LogFilter{}, 2, 2)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "c", logs[0].Message)

	logs, _ = lm.GetLogsWithPagination(LogFilter{}, 5, 2)
	assert.Empty(t, logs)
}

func TestCORSPreflight(t *testing.T) {
	_, router := newTestServer(t, nil, nil)
	w, _ := serve(router, httptest.NewRequest(http.MethodOptions, "/api/v1/audit-only/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "wallet-address")
}

type stubMetadataPinner struct {
	pinned []interface{}
}

func (s *stubMetadataPinner) PinJSON(ctx context.Context, v interface{}) (string, error) {
	s.pinned = append(s.pinned, v)
	return "bafymeta", nil
}

func TestPinMetadata(t *testing.T) {
	tests := []struct {
		name       string
		metadata   map[string]interface{}
		wantStatus int
		wantPinned int
	}{
		{
			name:       "元数据完整",
			metadata:   map[string]interface{}{"name": "Audit #1", "description": "Vault audit", "image": "ipfs://bafyimg"},
			wantStatus: http.StatusOK,
			wantPinned: 1,
		},
		{
			name:       "缺少描述",
			metadata:   map[string]interface{}{"name": "Audit #1"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "图片地址非法",
			metadata:   map[string]interface{}{"name": "Audit #1", "description": "x", "image": "ftp://img"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pinner := &stubMetadataPinner{}
			_, router := newTestServer(t, nil, func(s *Services, _ *config.Config) {
				s.Pinner = pinner
			})

			w, body := serve(router, jsonRequest(t, http.MethodPost, "/api/v1/pin-metadata/", tt.metadata))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Len(t, pinner.pinned, tt.wantPinned)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "bafymeta", body["cid"])
				assert.Equal(t, "https://gateway.test/ipfs/bafymeta", body["ipfs_uri"])
			}
		})
	}
}
