package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"auditsmart/internal/deploy"
	"auditsmart/internal/errors"
	"auditsmart/internal/report"
	"auditsmart/pkg/models"
)

// compileOnly 仅编译，返回 ABI 和字节码
func (s *Server) compileOnly(c *gin.Context) {
	if s.services.Compiler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Compiler is not configured"})
		return
	}

	source, _, err := s.upload(c)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, msgFileRequired)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	compiled, err := s.services.Compiler.Compile(ctx, source)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, "Compilation failed: "+report.Sanitize(err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        models.StatusSuccess,
		"contract_name": compiled.ContractName,
		"abi":           compiled.ABI,
		"bytecode":      compiled.Bytecode,
		"solc_version":  compiled.CompilerVersion,
	})
}

// deploy 部署内联源码或 contracts_dir 下的合约文件
func (s *Server) deploy(c *gin.Context) {
	var req models.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid deploy request body"})
		return
	}
	if err := s.services.Validator.ValidateDeploy(&req); err != nil {
		s.validationFailed(c, err)
		return
	}

	source := req.Source
	if source == "" {
		content, err := os.ReadFile(filepath.Join(s.config.Chain.ContractsDir, req.FileName))
		if err != nil {
			s.fail(c, errors.ErrInvalidInput.Wrap(err).WithComponent("api"), http.StatusNotFound, "Contract file not found: "+req.FileName)
			return
		}
		source = string(content)
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	result, err := s.services.Orchestrator.Deploy(ctx, source, req.Force)
	if err != nil {
		s.services.Errors.HandleError(ctx, err)
		status := http.StatusInternalServerError
		if auditErr, ok := errors.As(err); ok {
			status = auditErr.HTTPStatus()
		}
		if result != nil && result.Error != "" {
			result.Error = report.Sanitize(result.Error)
		}
		c.JSON(status, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// pinMetadata 上传 NFT 元数据
func (s *Server) pinMetadata(c *gin.Context) {
	if s.services.Pinner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Pinning is not configured"})
		return
	}

	var metadata map[string]interface{}
	if err := c.ShouldBindJSON(&metadata); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Metadata must be a JSON object"})
		return
	}
	if err := deploy.ValidateNFTMetadata(metadata); err != nil {
		s.fail(c, errors.ErrInvalidInput.Wrap(err).WithComponent("api"), http.StatusBadRequest,
			"Metadata requires name and description; image must be an ipfs:// or http(s):// URI")
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	cid, err := s.services.Pinner.PinJSON(ctx, metadata)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, "Failed to pin metadata")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   models.StatusSuccess,
		"cid":      cid,
		"ipfs_uri": s.publicURL(cid),
		"metadata": metadata,
	})
}

func (s *Server) publicURL(cid string) string {
	if s.services.Gateway != nil {
		return s.services.Gateway.PublicURL(cid)
	}
	return "https://ipfs.io/ipfs/" + cid
}

// mint 铸造审计 NFT
func (s *Server) mint(c *gin.Context) {
	var req models.MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid mint request body"})
		return
	}
	if err := s.services.Validator.ValidateMint(&req); err != nil {
		s.validationFailed(c, err)
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	// 没有配置 ABI 时使用内置片段
	var nftABI json.RawMessage
	if cid := s.config.Chain.NFTContractABICID; cid != "" && s.services.Gateway != nil {
		abi, err := s.services.Gateway.FetchABI(ctx, cid)
		if err != nil {
			s.logger.WithError(err).Warn("读取NFT合约ABI失败，使用内置ABI")
		} else {
			nftABI = abi
		}
	}

	result, err := s.services.Orchestrator.Mint(ctx, nftABI, req.Recipient, req.TokenURI)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, withCode("NFT minting failed", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       models.StatusSuccess,
		"data":         result,
		"explorer_url": result.ExplorerURL,
	})
}

// createMintingReport 幂等保存铸造记录
func (s *Server) createMintingReport(c *gin.Context) {
	if s.services.Reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Report storage is not configured"})
		return
	}

	var r models.MintingReport
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Failed to save minting report: invalid JSON body"})
		return
	}
	if err := s.services.Validator.ValidateMintingReport(&r); err != nil {
		s.validationFailed(c, err)
		return
	}

	id, duplicate, err := s.services.Reports.SaveMintingReport(c.Request.Context(), &r)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest, "Failed to save minting report")
		return
	}

	if duplicate {
		c.JSON(http.StatusOK, gin.H{
			"message":      "This NFT minting record already exists",
			"id":           id,
			"is_duplicate": true,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Minting report saved", "id": id})
}

// mintingReportsByRecipient 按接收地址查询铸造记录
func (s *Server) mintingReportsByRecipient(c *gin.Context) {
	if s.services.Reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Report storage is not configured"})
		return
	}

	reports, err := s.services.Reports.FindMintingReportsByRecipient(c.Request.Context(), c.Param("recipient"))
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, "Failed to load minting reports")
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// validationFailed 返回字段级校验明细
func (s *Server) validationFailed(c *gin.Context, err error) {
	s.services.Errors.HandleError(c.Request.Context(), err)

	body := gin.H{"detail": "Invalid request"}
	if auditErr, ok := errors.As(err); ok {
		if auditErr.Cause != nil {
			body["detail"] = auditErr.Cause.Error()
		}
		if auditErr.Details != nil {
			body["errors"] = auditErr.Details
		}
	}
	c.JSON(http.StatusBadRequest, body)
}

// withCode 在客户端消息后附加错误码
func withCode(message string, err error) string {
	if auditErr, ok := errors.As(err); ok && auditErr.Code != "" {
		return message + ": " + auditErr.Code
	}
	return message
}
