package audit

import (
	"context"
	"fmt"
	"strings"

	"auditsmart/internal/errors"
	"auditsmart/internal/llm"
	"auditsmart/pkg/models"
)

// 快速扫描风险等级
const (
	RiskHigh    = "HIGH"
	RiskMedium  = "MEDIUM"
	RiskLow     = "LOW"
	RiskMinimal = "MINIMAL"
)

// VulnerabilityAnalysis 仅大模型漏洞分析
type VulnerabilityAnalysis struct {
	Status                string                    `json:"status"`
	ContractName          string                    `json:"contract_name"`
	VulnerabilityAnalysis *models.VulnerabilityScan `json:"vulnerability_analysis"`
	Message               string                    `json:"message"`
}

// QuickScanSummary 快速扫描结论
type QuickScanSummary struct {
	TotalVulnerabilities int                      `json:"total_vulnerabilities"`
	RiskScore            float64                  `json:"risk_score"`
	RiskLevel            string                   `json:"risk_level"`
	SeverityBreakdown    models.SeverityBreakdown `json:"severity_breakdown"`
	CriticalIssues       int                      `json:"critical_issues"`
	HighIssues           int                      `json:"high_issues"`
	Recommendations      []string                 `json:"recommendations"`
}

// QuickScanResult 快速扫描结果
type QuickScanResult struct {
	Status           string                    `json:"status"`
	ContractName     string                    `json:"contract_name"`
	Results          QuickScanSummary          `json:"quick_scan_results"`
	DetailedAnalysis *models.VulnerabilityScan `json:"detailed_analysis"`
	Message          string                    `json:"message"`
}

// DescriptionResult 合约描述
type DescriptionResult struct {
	Status              string `json:"status"`
	ContractName        string `json:"contract_name"`
	ContractDescription string `json:"contract_description"`
	Message             string `json:"message"`
}

// AnalyzeVulnerabilities 只做大模型漏洞分析
func (o *Orchestrator) AnalyzeVulnerabilities(ctx context.Context, source string) (*VulnerabilityAnalysis, error) {
	unit, err := o.llmUnit(source)
	if err != nil {
		return nil, err
	}

	scan := runStage(ctx, o, StageLLMScan, func(ctx context.Context) (*models.VulnerabilityScan, error) {
		return o.deps.LLM.FindVulnerabilities(ctx, source)
	})
	if scan.Err != nil {
		return nil, scan.Err
	}

	return &VulnerabilityAnalysis{
		Status:                models.StatusSuccess,
		ContractName:          unit.ContractName,
		VulnerabilityAnalysis: scan.Value,
		Message:               fmt.Sprintf("Found %d potential vulnerabilities", scan.Value.Total()),
	}, nil
}

// QuickScan 快速安全扫描，给出风险等级和最多三条高危修复建议
func (o *Orchestrator) QuickScan(ctx context.Context, source string) (*QuickScanResult, error) {
	analysis, err := o.AnalyzeVulnerabilities(ctx, source)
	if err != nil {
		return nil, err
	}

	scan := analysis.VulnerabilityAnalysis
	breakdown := scan.Breakdown()
	level := RiskLevel(scan.RiskScore(), breakdown)

	return &QuickScanResult{
		Status:       models.StatusSuccess,
		ContractName: analysis.ContractName,
		Results: QuickScanSummary{
			TotalVulnerabilities: scan.Total(),
			RiskScore:            scan.RiskScore(),
			RiskLevel:            level,
			SeverityBreakdown:    breakdown,
			CriticalIssues:       breakdown.Critical,
			HighIssues:           breakdown.High,
			Recommendations:      topRecommendations(scan.Findings(), 3),
		},
		DetailedAnalysis: scan,
		Message:          fmt.Sprintf("Security scan complete. Risk level: %s", level),
	}, nil
}

// RiskLevel 快速扫描的风险等级
func RiskLevel(score float64, b models.SeverityBreakdown) string {
	switch {
	case score >= 8 || b.Critical > 0:
		return RiskHigh
	case score >= 5 || b.High > 0:
		return RiskMedium
	case score >= 3 || b.Medium > 0:
		return RiskLow
	default:
		return RiskMinimal
	}
}

func topRecommendations(findings []models.Finding, limit int) []string {
	recommendations := make([]string, 0, limit)
	for _, f := range findings {
		if len(recommendations) == limit {
			break
		}
		if f.Severity.Bucket() == models.SeverityCritical || f.Severity.Bucket() == models.SeverityHigh {
			recommendations = append(recommendations, f.Recommendation)
		}
	}
	return recommendations
}

// Describe 合约功能描述
func (o *Orchestrator) Describe(ctx context.Context, source string) (*DescriptionResult, error) {
	unit, err := o.llmUnit(source)
	if err != nil {
		return nil, err
	}

	description := runStage(ctx, o, StageDescription, func(ctx context.Context) (string, error) {
		return o.deps.LLM.DescribeContract(ctx, source)
	})
	// 大模型失败时返回固定描述
	text := description.Value
	if description.Err != nil {
		o.entry(ctx).WithError(description.Err).Warn("生成合约描述失败，使用默认描述")
		if text == "" {
			text = llm.FallbackDescription(unit.ContractName)
		}
	}

	return &DescriptionResult{
		Status:              models.StatusSuccess,
		ContractName:        unit.ContractName,
		ContractDescription: text,
		Message:             "Contract description generated successfully",
	}, nil
}

func (o *Orchestrator) llmUnit(source string) (models.SourceUnit, error) {
	if strings.TrimSpace(source) == "" {
		return models.SourceUnit{}, errors.ErrEmptySource.New().WithComponent("audit")
	}
	if o.deps.LLM == nil {
		return models.SourceUnit{}, errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置大模型")).WithComponent("audit")
	}
	return models.ParseSource(source, ""), nil
}
