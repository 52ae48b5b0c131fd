package api

import (
	"database/sql"
	stderrors "errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

// 含这些片段的设置键不对外展示
var secretKeyFragments = []string{"key", "secret", "password", "dsn", "token"}

// nftConfig 前端铸造所需的 NFT 合约配置
func (s *Server) nftConfig(c *gin.Context) {
	chain := s.config.Chain
	if chain.NFTContractAddress == "" || chain.NFTContractABICID == "" {
		c.JSON(http.StatusNotFound, gin.H{"detail": "NFT config missing"})
		return
	}
	if s.services.Gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "IPFS gateway is not configured"})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	abi, err := s.services.Gateway.FetchABI(ctx, chain.NFTContractABICID)
	if err != nil {
		s.fail(c, err, http.StatusBadGateway, "Failed to fetch ABI from IPFS")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nft_contract_address": chain.NFTContractAddress,
		"nft_abi":              abi,
		"rpc_url":              chain.RPCURL,
		"explorer_url":         chain.ExplorerURL,
	})
}

// listSettings 数据库中生效的运行时设置，敏感项只显示是否已设置
func (s *Server) listSettings(c *gin.Context) {
	if s.services.Settings == nil {
		c.JSON(http.StatusOK, gin.H{"settings": gin.H{}, "source": "file"})
		return
	}

	settings, err := s.services.Settings.ListSettings()
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, "Failed to load settings")
		return
	}

	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(gin.H, len(settings))
	for _, key := range keys {
		out[key] = maskSetting(key, settings[key])
	}
	c.JSON(http.StatusOK, gin.H{"settings": out, "source": "database"})
}

// getSetting 单个运行时设置
func (s *Server) getSetting(c *gin.Context) {
	key := c.Param("key")
	if s.services.Settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Setting not found"})
		return
	}

	value, err := s.services.Settings.GetSetting(key)
	if stderrors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Setting not found"})
		return
	}
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError, "Failed to load setting")
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": key, "value": maskSetting(key, value)})
}

func maskSetting(key, value string) string {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			if value == "" {
				return ""
			}
			return "******"
		}
	}
	return value
}
