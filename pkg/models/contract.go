package models

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultContractName 源码中没有合约声明时使用
const DefaultContractName = "Contract"

var (
	contractDeclPattern = regexp.MustCompile(`\bcontract\s+([A-Za-z_]\w*)`)
	pragmaPattern       = regexp.MustCompile(`pragma\s+solidity\s+[^;]+;`)
)

// SourceUnit 合约源码单元，每次流水线运行重新解析
type SourceUnit struct {
	Source       string `json:"-"`
	ContractName string `json:"contract_name"`
	Pragma       string `json:"pragma,omitempty"` // 原始版本指令，如 "pragma solidity ^0.8.0;"
	FileName     string `json:"file_name,omitempty"`
}

// ParseSource 解析合约名和版本指令
func ParseSource(source, fileName string) SourceUnit {
	unit := SourceUnit{
		Source:       source,
		ContractName: DefaultContractName,
		FileName:     fileName,
	}
	if m := contractDeclPattern.FindStringSubmatch(source); m != nil {
		unit.ContractName = m[1]
	}
	unit.Pragma = pragmaPattern.FindString(source)
	return unit
}

// IsEmpty 源码是否为空
func (u SourceUnit) IsEmpty() bool {
	return strings.TrimSpace(u.Source) == ""
}

// CompilationResult 编译结果
type CompilationResult struct {
	ContractName    string                 `json:"contract_name"`
	Bytecode        string                 `json:"bytecode"` // 十六进制，不带 0x
	ABI             json.RawMessage        `json:"abi"`
	GasEstimates    map[string]interface{} `json:"gas_estimates,omitempty"`
	CompilerVersion string                 `json:"solc_version"`
}

// BytecodeSize 字节码字节长度
func (c *CompilationResult) BytecodeSize() int {
	return len(c.Bytecode) / 2
}

// CodeMetrics 代码度量，源码的纯函数
type CodeMetrics struct {
	LinesOfCode       int     `json:"lines_of_code"`
	TotalLines        int     `json:"total_lines"`
	CommentLines      int     `json:"comment_lines"`
	Functions         int     `json:"functions"`
	Modifiers         int     `json:"modifiers"`
	Events            int     `json:"events"`
	StateVariables    int     `json:"state_variables"`
	ExternalCalls     int     `json:"external_calls"`
	RequireStatements int     `json:"require_statements"`
	ContractSizeBytes int     `json:"contract_size_bytes"`
	CodeHash          string  `json:"code_hash"`
	ComplexityScore   float64 `json:"complexity_score"`
}

// GasIssue Gas 效率问题
type GasIssue struct {
	Type           string `json:"type"`
	Description    string `json:"description"`
	Severity       string `json:"severity"`
	Recommendation string `json:"recommendation"`
}

// GasSaving 可选的 Gas 优化点
type GasSaving struct {
	Type             string `json:"type"`
	Description      string `json:"description"`
	EstimatedSavings string `json:"estimated_savings"`
}

// GasAnalysis Gas 分析结果
type GasAnalysis struct {
	Issues            []GasIssue  `json:"gas_issues"`
	Savings           []GasSaving `json:"potential_savings"`
	OptimizationScore int         `json:"optimization_score"`
}

// SecurityAnalysis 启发式安全检查结果
type SecurityAnalysis struct {
	Passed         bool            `json:"passed"`
	Details        map[string]bool `json:"details"`
	Warnings       []string        `json:"warnings"`
	CriticalIssues []string        `json:"critical_issues"`
	SecurityScore  float64         `json:"security_score"`
}
