package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"auditsmart/internal/errors"
	"auditsmart/pkg/models"

	"github.com/sirupsen/logrus"
)

// DefaultPragma 原合约没有版本指令时补上
const DefaultPragma = "pragma solidity ^0.8.0;"

var (
	fencedJSON      = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	fencedSolidity  = regexp.MustCompile("(?s)```solidity(.*?)```")
	fencedAny       = regexp.MustCompile("(?s)```(.*?)```")
	contractDecl    = regexp.MustCompile(`contract\s+\w+`)
	pragmaDirective = regexp.MustCompile(`pragma\s+solidity\s+[^;]+;`)
	fenceLanguage   = regexp.MustCompile(`^[A-Za-z0-9_+-]+\s*\n`)
)

// Auditor 基于大模型的审计操作
type Auditor struct {
	completer Completer
	logger    *logrus.Logger
}

// NewAuditor 创建审计操作集合
func NewAuditor(completer Completer, logger *logrus.Logger) *Auditor {
	return &Auditor{completer: completer, logger: logger}
}

// FindVulnerabilities 让大模型列出漏洞
//
// 只有请求失败时返回错误；响应无法解析时返回降级结果。
func (a *Auditor) FindVulnerabilities(ctx context.Context, source string) (*models.VulnerabilityScan, error) {
	unit := models.ParseSource(source, "")

	response, err := a.completer.Complete(ctx, SystemPrompt, vulnerabilityPrompt(unit.ContractName, source))
	if err != nil {
		return nil, err
	}

	scan := ParseVulnerabilityResponse(response, unit.ContractName)
	if !scan.IsParsed() {
		a.logger.WithField("contract_name", unit.ContractName).Warn("漏洞分析响应无法解析为JSON，使用原始文本")
	}
	return scan, nil
}

// DescribeContract 合约功能描述，失败时返回固定的兜底文本和错误
func (a *Auditor) DescribeContract(ctx context.Context, source string) (string, error) {
	unit := models.ParseSource(source, "")

	description, err := a.completer.Complete(ctx, SystemPrompt, descriptionPrompt(source))
	if err != nil {
		a.logger.WithError(err).Warn("获取合约描述失败")
		return FallbackDescription(unit.ContractName), err
	}
	return description, nil
}

// FallbackDescription 描述失败时的兜底文本
func FallbackDescription(contractName string) string {
	return fmt.Sprintf("Unable to generate description for %s contract due to analysis error.", contractName)
}

// GenerateFixedContract 生成修复后的合约
//
// 合约名强制与原合约一致，缺少版本指令时补上原合约的指令。
func (a *Auditor) GenerateFixedContract(ctx context.Context, original, findings string) (string, error) {
	if strings.TrimSpace(original) == "" {
		return "", errors.ErrEmptySource.New().WithComponent("llm")
	}

	unit := models.ParseSource(original, "")
	pragma := unit.Pragma
	if pragma == "" {
		pragma = DefaultPragma
	}

	response, err := a.completer.Complete(ctx, SystemPrompt, fixPrompt(unit.ContractName, original, findings))
	if err != nil {
		return "", err
	}

	return EnforceFixedContract(response, unit.ContractName, pragma)
}

// EnforceFixedContract 从响应中提取代码并修正合约名和版本指令
func EnforceFixedContract(response, contractName, pragma string) (string, error) {
	code := extractCode(response)

	if !strings.Contains(code, "pragma solidity") || !strings.Contains(code, "contract") {
		return "", errors.ErrFixedContractInvalid.New().
			WithComponent("llm").
			WithDetails(truncate(response, 500))
	}

	if loc := contractDecl.FindStringIndex(code); loc != nil {
		code = code[:loc[0]] + "contract " + contractName + code[loc[1]:]
	}

	if !pragmaDirective.MatchString(code) {
		code = pragma + "\n" + code
	}
	return code, nil
}

// extractCode 优先 solidity 代码块，其次任意代码块，最后原文
func extractCode(response string) string {
	if m := fencedSolidity.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := fencedAny.FindStringSubmatch(response); m != nil {
		block := strings.TrimLeft(m[1], " \t")
		block = fenceLanguage.ReplaceAllString(block, "")
		return strings.TrimSpace(block)
	}
	return strings.TrimSpace(response)
}

// SummarizeChanges 修改说明
func (a *Auditor) SummarizeChanges(ctx context.Context, original, fixed string) (string, error) {
	unit := models.ParseSource(original, "")
	return a.completer.Complete(ctx, SystemPrompt, changeSummaryPrompt(unit.ContractName, original, fixed))
}

// SecuritySummary 安全评估摘要
func (a *Auditor) SecuritySummary(ctx context.Context, source string) (string, error) {
	unit := models.ParseSource(source, "")
	return a.completer.Complete(ctx, SystemPrompt, securitySummaryPrompt(unit.ContractName, source))
}

// looseReport 大模型返回的报告，数值字段类型不可靠
type looseReport struct {
	ContractName         string                   `json:"contract_name"`
	TotalVulnerabilities interface{}              `json:"total_vulnerabilities"`
	SeverityBreakdown    models.SeverityBreakdown `json:"severity_breakdown"`
	Vulnerabilities      []looseFinding           `json:"vulnerabilities"`
	OverallRiskScore     interface{}              `json:"overall_risk_score"`
	Summary              string                   `json:"summary"`
}

type looseFinding struct {
	Title          string `json:"title"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Location       string `json:"location"`
	Impact         string `json:"impact"`
	Recommendation string `json:"recommendation"`
}

// ParseVulnerabilityResponse 先取代码块中的 JSON，再尝试整段解析，都失败则降级
func ParseVulnerabilityResponse(response, contractName string) *models.VulnerabilityScan {
	candidate := strings.TrimSpace(response)
	if m := fencedJSON.FindStringSubmatch(response); m != nil {
		candidate = m[1]
	}

	var loose looseReport
	if err := json.Unmarshal([]byte(candidate), &loose); err != nil {
		return models.NewDegradedScan(contractName, response)
	}

	report := &models.VulnerabilityReport{
		ContractName:      loose.ContractName,
		SeverityBreakdown: loose.SeverityBreakdown,
		Vulnerabilities:   make([]models.Finding, 0, len(loose.Vulnerabilities)),
		OverallRiskScore:  clampScore(toFloat(loose.OverallRiskScore)),
		Summary:           loose.Summary,
	}
	if report.ContractName == "" {
		report.ContractName = contractName
	}
	if total, ok := toInt(loose.TotalVulnerabilities); ok {
		report.TotalVulnerabilities = total
	}

	for _, f := range loose.Vulnerabilities {
		report.Vulnerabilities = append(report.Vulnerabilities, models.Finding{
			Title:          f.Title,
			Severity:       models.ParseSeverity(f.Severity),
			Description:    f.Description,
			Location:       f.Location,
			Impact:         f.Impact,
			Recommendation: f.Recommendation,
			Source:         models.SourceLLM,
		})
	}

	return models.NewParsedScan(report, response)
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(n, "/10")), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func clampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 10:
		return 10
	default:
		return score
	}
}
