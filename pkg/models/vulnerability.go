package models

import (
	"encoding/json"
)

// ScanKind 漏洞扫描结果类型
type ScanKind string

const (
	ScanParsed   ScanKind = "parsed"   // 结构化解析成功
	ScanDegraded ScanKind = "degraded" // 解析失败，仅保留原始文本
)

// VulnerabilityReport 结构化漏洞报告
type VulnerabilityReport struct {
	ContractName         string            `json:"contract_name"`
	TotalVulnerabilities int               `json:"total_vulnerabilities"`
	SeverityBreakdown    SeverityBreakdown `json:"severity_breakdown"`
	Vulnerabilities      []Finding         `json:"vulnerabilities"`
	OverallRiskScore     float64           `json:"overall_risk_score"`
	Summary              string            `json:"summary"`
}

// VulnerabilityScan 大模型漏洞扫描结果: Parsed(Report) | Degraded(Raw)
type VulnerabilityScan struct {
	Kind         ScanKind
	ContractName string
	Report       *VulnerabilityReport // 仅 Parsed 时非空
	Raw          string               // 大模型原始响应
}

// NewParsedScan 创建结构化扫描结果，总数和分布以发现列表为准
func NewParsedScan(report *VulnerabilityReport, raw string) *VulnerabilityScan {
	if report.Vulnerabilities == nil {
		report.Vulnerabilities = []Finding{}
	}
	if len(report.Vulnerabilities) > 0 {
		report.TotalVulnerabilities = len(report.Vulnerabilities)
		report.SeverityBreakdown = BreakdownOf(report.Vulnerabilities)
	}
	return &VulnerabilityScan{
		Kind:         ScanParsed,
		ContractName: report.ContractName,
		Report:       report,
		Raw:          raw,
	}
}

// NewDegradedScan 创建降级扫描结果
func NewDegradedScan(contractName, raw string) *VulnerabilityScan {
	return &VulnerabilityScan{
		Kind:         ScanDegraded,
		ContractName: contractName,
		Raw:          raw,
	}
}

// IsParsed 是否结构化
func (s *VulnerabilityScan) IsParsed() bool {
	return s != nil && s.Kind == ScanParsed && s.Report != nil
}

// Findings 发现列表，降级时为空
func (s *VulnerabilityScan) Findings() []Finding {
	if !s.IsParsed() {
		return nil
	}
	return s.Report.Vulnerabilities
}

// Total 漏洞总数，降级时为 0
func (s *VulnerabilityScan) Total() int {
	if !s.IsParsed() {
		return 0
	}
	return s.Report.TotalVulnerabilities
}

// Breakdown 严重级别分布，降级时全部为 0
func (s *VulnerabilityScan) Breakdown() SeverityBreakdown {
	if !s.IsParsed() {
		return SeverityBreakdown{}
	}
	return s.Report.SeverityBreakdown
}

// RiskScore 总体风险评分，降级时为 0
func (s *VulnerabilityScan) RiskScore() float64 {
	if !s.IsParsed() {
		return 0
	}
	return s.Report.OverallRiskScore
}

// Summary 摘要，降级时为原始文本
func (s *VulnerabilityScan) Summary() string {
	if s == nil {
		return ""
	}
	if !s.IsParsed() {
		return s.Raw
	}
	return s.Report.Summary
}

// MarshalJSON 降级结果保持与历史接口一致的形状
func (s *VulnerabilityScan) MarshalJSON() ([]byte, error) {
	if s.IsParsed() {
		return json.Marshal(s.Report)
	}
	return json.Marshal(map[string]interface{}{
		"contract_name":         s.ContractName,
		"total_vulnerabilities": "Unknown",
		"severity_breakdown":    SeverityBreakdown{},
		"vulnerabilities":       []Finding{},
		"overall_risk_score":    "Unknown",
		"summary":               s.Raw,
		"raw_response":          s.Raw,
	})
}
