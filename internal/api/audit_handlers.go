package api

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"auditsmart/internal/audit"
	"auditsmart/internal/errors"
	"auditsmart/internal/explorer"
	"auditsmart/pkg/models"
)

const defaultUploadLimit = 5 << 20

const (
	msgWalletRequired  = "Wallet address is required in headers"
	msgAuditFailed     = "Something went wrong. Please try again later."
	msgAddressRequired = "Contract address is required."
	msgNotVerified     = "Verified source code not found for this contract."
	msgDeployedFailed  = "Something went wrong during deployed contract audit."
	msgFileRequired    = "A non-empty contract file upload is required."
	msgScanFailed      = "Vulnerability analysis failed. Please try again later."
	msgQuickScanFailed = "Security scan failed. Please try again later."
	msgDescribeFailed  = "Failed to analyze contract. Please try again later."
	msgComprehensive   = "Comprehensive audit failed. Please try again later."
)

// upload 读取 multipart 上传的合约源码
func (s *Server) upload(c *gin.Context) (source, fileName string, err error) {
	header, err := c.FormFile("file")
	if err != nil {
		return "", "", errors.ErrInvalidInput.Wrap(fmt.Errorf("缺少上传文件: %w", err)).WithComponent("api")
	}

	f, err := header.Open()
	if err != nil {
		return "", "", errors.ErrInvalidInput.Wrap(err).WithComponent("api")
	}
	defer f.Close()

	limit := s.config.Server.MaxUploadBytes
	if limit <= 0 {
		limit = defaultUploadLimit
	}
	content, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", "", errors.ErrInvalidInput.Wrap(err).WithComponent("api")
	}
	if int64(len(content)) > limit {
		return "", "", errors.ErrInvalidInput.Wrap(fmt.Errorf("上传文件超过 %d 字节", limit)).WithComponent("api")
	}
	if strings.TrimSpace(string(content)) == "" {
		return "", "", errors.ErrEmptySource.New().WithComponent("api")
	}
	return string(content), header.Filename, nil
}

// auditOnly 钱包配额检查后执行完整审计
func (s *Server) auditOnly(c *gin.Context) {
	wallet := strings.TrimSpace(c.GetHeader("wallet-address"))
	if wallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": msgWalletRequired})
		return
	}

	source, fileName, err := s.upload(c)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, msgFileRequired)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Orchestrator.Audit(ctx, audit.Request{Source: source, FileName: fileName, Wallet: wallet})
	if err != nil {
		if auditErr, ok := errors.As(err); ok && auditErr.Type == errors.ErrorTypePolicyDenied {
			reason, _ := auditErr.Details.(string)
			if reason == "" {
				reason = auditErr.Message
			}
			s.fail(c, err, http.StatusForbidden, reason)
			return
		}
		s.fail(c, err, http.StatusInternalServerError, msgAuditFailed)
		return
	}

	c.JSON(http.StatusOK, result)
}

// analyzeVulnerabilities 仅大模型漏洞分析
func (s *Server) analyzeVulnerabilities(c *gin.Context) {
	source, _, err := s.upload(c)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, msgFileRequired)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Orchestrator.AnalyzeVulnerabilities(ctx, source)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, msgScanFailed)
		return
	}
	c.JSON(http.StatusOK, result)
}

// quickSecurityScan 快速安全扫描
func (s *Server) quickSecurityScan(c *gin.Context) {
	source, _, err := s.upload(c)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, msgFileRequired)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Orchestrator.QuickScan(ctx, source)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, msgQuickScanFailed)
		return
	}
	c.JSON(http.StatusOK, result)
}

// contractDescription 合约功能描述
func (s *Server) contractDescription(c *gin.Context) {
	source, _, err := s.upload(c)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, msgFileRequired)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Orchestrator.Describe(ctx, source)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, msgDescribeFailed)
		return
	}
	c.JSON(http.StatusOK, result)
}

// comprehensiveAudit 不限配额的综合审计
func (s *Server) comprehensiveAudit(c *gin.Context) {
	source, fileName, err := s.upload(c)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, msgFileRequired)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Orchestrator.Comprehensive(ctx, audit.Request{Source: source, FileName: fileName})
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, msgComprehensive)
		return
	}
	c.JSON(http.StatusOK, result)
}

// auditDeployedContract 审计链上已验证合约
func (s *Server) auditDeployedContract(c *gin.Context) {
	var req models.DeployedAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Address) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": msgAddressRequired})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Orchestrator.AuditDeployed(ctx, req.Address)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case stderrors.Is(err, explorer.ErrSourceNotVerified):
		s.fail(c, err, http.StatusNotFound, msgNotVerified)
	default:
		s.fail(c, err, http.StatusInternalServerError, msgDeployedFailed)
	}
}

// vulnerabilityStats 漏洞分类说明
func (s *Server) vulnerabilityStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": models.StatusSuccess,
		"common_vulnerabilities": []string{
			"Reentrancy attacks",
			"Integer overflow/underflow",
			"Access control issues",
			"Unchecked external calls",
			"Gas limit vulnerabilities",
			"Front-running vulnerabilities",
			"Timestamp dependence",
			"Denial of Service attacks",
		},
		"severity_levels": gin.H{
			"critical": "Immediate action required - can lead to loss of funds",
			"high":     "Significant security risk - should be fixed before deployment",
			"medium":   "Moderate risk - recommended to fix",
			"low":      "Minor issue - good practice to address",
		},
		"message": "Vulnerability classification system information",
	})
}

// auditWallets 钱包配额使用情况
func (s *Server) auditWallets(c *gin.Context) {
	if s.services.Wallets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Wallet tracking is not configured"})
		return
	}

	snapshot, err := s.services.Wallets.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, "Failed to load wallet usage.")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
