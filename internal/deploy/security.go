package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"auditsmart/pkg/models"
)

// 安全检查项
const (
	CheckReentrancyGuard   = "has_reentrancy_guard"
	CheckSafeMath          = "has_safe_math"
	CheckOwnerControls     = "has_owner_controls"
	CheckPausable          = "has_pausable"
	CheckNoDelegatecall    = "no_delegatecall"
	CheckNoTxOrigin        = "no_tx_origin"
	CheckNoTimestampDepend = "no_block_timestamp_dependency"
)

type securityCheck struct {
	name     string
	critical bool
	passes   func(source string) bool
}

// 顺序即报告中 warnings 和 critical_issues 的顺序
var securityChecks = []securityCheck{
	{CheckReentrancyGuard, false, func(s string) bool { return strings.Contains(s, "ReentrancyGuard") }},
	{CheckSafeMath, false, func(s string) bool {
		return strings.Contains(s, "SafeMath") ||
			strings.Contains(s, "pragma solidity ^0.8") ||
			strings.Contains(s, "pragma solidity >=0.8")
	}},
	{CheckOwnerControls, false, func(s string) bool { return strings.Contains(s, "onlyOwner") }},
	{CheckPausable, false, func(s string) bool { return strings.Contains(s, "Pausable") }},
	{CheckNoDelegatecall, true, func(s string) bool { return !strings.Contains(strings.ToLower(s), "delegatecall") }},
	{CheckNoTxOrigin, true, func(s string) bool { return !strings.Contains(s, "tx.origin") }},
	{CheckNoTimestampDepend, false, func(s string) bool { return !strings.Contains(s, "block.timestamp") }},
}

// SecurityChecks 对源码做启发式安全检查，任一关键项失败即不通过
func SecurityChecks(source string) *models.SecurityAnalysis {
	result := &models.SecurityAnalysis{
		Passed:         true,
		Details:        make(map[string]bool, len(securityChecks)),
		Warnings:       []string{},
		CriticalIssues: []string{},
	}

	passed := 0
	for _, check := range securityChecks {
		ok := check.passes(source)
		result.Details[check.name] = ok
		if ok {
			passed++
			continue
		}
		if check.critical {
			result.Passed = false
			result.CriticalIssues = append(result.CriticalIssues, check.name)
		} else {
			result.Warnings = append(result.Warnings, check.name)
		}
	}
	result.SecurityScore = float64(passed) / float64(len(securityChecks))
	return result
}

// HashContractAddress 合约地址小写去掉 0x 后的 sha256
func HashContractAddress(address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("合约地址为空")
	}
	normalized := strings.ReplaceAll(strings.ToLower(address), "0x", "")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// ValidateNFTMetadata 校验 NFT 元数据
func ValidateNFTMetadata(metadata map[string]interface{}) error {
	for _, field := range []string{"name", "description"} {
		if _, ok := metadata[field]; !ok {
			return fmt.Errorf("元数据缺少字段 %s", field)
		}
	}
	if image, ok := metadata["image"]; ok {
		uri, _ := image.(string)
		if !strings.HasPrefix(uri, "ipfs://") &&
			!strings.HasPrefix(uri, "http://") &&
			!strings.HasPrefix(uri, "https://") {
			return fmt.Errorf("image 必须是 ipfs:// 或 http(s):// 地址")
		}
	}
	return nil
}
