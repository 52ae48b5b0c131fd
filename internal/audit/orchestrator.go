// Package audit 审计流水线编排
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"auditsmart/internal/analyzer"
	"auditsmart/internal/deploy"
	"auditsmart/internal/errors"
	"auditsmart/internal/explorer"
	"auditsmart/internal/ipfs"
	"auditsmart/internal/llm"
	"auditsmart/internal/logging"
	"auditsmart/internal/metrics"
	"auditsmart/internal/ratelimit"
	"auditsmart/internal/report"
	"auditsmart/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 审计类型，同时作为指标标签
const (
	TypeFull          = "full"
	TypeComprehensive = "comprehensive"
	TypeDeployed      = "deployed"
)

// Limiter 钱包配额
type Limiter interface {
	CheckAndRegister(ctx context.Context, identity string) (ratelimit.Decision, error)
}

// Analyzer 静态分析
type Analyzer interface {
	Analyze(ctx context.Context, source string) ([]models.Finding, error)
}

// LLM 大模型审计操作
type LLM interface {
	FindVulnerabilities(ctx context.Context, source string) (*models.VulnerabilityScan, error)
	DescribeContract(ctx context.Context, source string) (string, error)
	GenerateFixedContract(ctx context.Context, original, findings string) (string, error)
	SummarizeChanges(ctx context.Context, original, fixed string) (string, error)
	SecuritySummary(ctx context.Context, source string) (string, error)
}

// Pinner 制品上传
type Pinner interface {
	PinFile(ctx context.Context, content []byte, name string) (string, error)
}

// SecurityChecker 部署前安全检查
type SecurityChecker interface {
	Check(source string) *models.SecurityAnalysis
}

// SecurityCheckFunc 函数形式的 SecurityChecker
type SecurityCheckFunc func(source string) *models.SecurityAnalysis

// Check 实现 SecurityChecker
func (f SecurityCheckFunc) Check(source string) *models.SecurityAnalysis {
	return f(source)
}

// Publisher 审计事件发布
type Publisher interface {
	Publish(ctx context.Context, event *models.AuditEvent) error
}

// Recorder 审计记录持久化
type Recorder interface {
	SaveAuditRecord(ctx context.Context, r *models.AuditRecord) (string, bool, error)
}

// Archive 本地留存修复合约和报告
type Archive interface {
	SaveContract(name, source string) (string, error)
	SaveReport(name, report string) (string, error)
}

// Deployer 链上部署和铸造
type Deployer interface {
	Deploy(ctx context.Context, source string, force bool) (*models.DeploymentResult, error)
	MintNFT(ctx context.Context, nftABI json.RawMessage, recipient, tokenURI string) (*models.MintResult, error)
}

// SourceFetcher 已验证合约源码查询
type SourceFetcher interface {
	FetchSource(ctx context.Context, address string) (*explorer.VerifiedSource, error)
}

// Dependencies 编排器依赖，LLM 之外均可为 nil
type Dependencies struct {
	Limiter   Limiter
	Analyzer  Analyzer
	LLM       LLM
	Pinner    Pinner
	Security  SecurityChecker
	Publisher Publisher
	Recorder  Recorder
	Archive   Archive
	Deployer  Deployer
	Explorer  SourceFetcher
	Reports   *report.Generator
}

// Orchestrator 审计流水线
type Orchestrator struct {
	deps   Dependencies
	now    func() time.Time
	newID  func() string
	logger *logrus.Logger
}

// New 创建编排器
func New(deps Dependencies, logger *logrus.Logger) *Orchestrator {
	if deps.Security == nil {
		deps.Security = SecurityCheckFunc(deploy.SecurityChecks)
	}
	if deps.Reports == nil {
		deps.Reports = report.NewGenerator()
	}
	return &Orchestrator{
		deps:   deps,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: logger,
	}
}

// WithClock 替换时钟
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	o.deps.Reports = o.deps.Reports.WithClock(now)
	return o
}

// Request 审计请求
type Request struct {
	Source   string
	FileName string
	Wallet   string // 为空时不检查配额
	Address  string // 已部署合约地址
}

// AnalysisSummary 分析摘要
type AnalysisSummary struct {
	StaticIssuesFound       bool                     `json:"static_issues_found"`
	LLMVulnerabilitiesFound int                      `json:"llm_vulnerabilities_found"`
	OverallRiskScore        float64                  `json:"overall_risk_score"`
	SeverityBreakdown       models.SeverityBreakdown `json:"severity_breakdown"`
}

// ComparativeResults 静态分析与大模型结果对比
type ComparativeResults struct {
	StaticFoundIssues   bool `json:"static_found_issues"`
	LLMFoundIssues      bool `json:"llm_found_issues"`
	Consensus           bool `json:"consensus"`
	TotalUniqueFindings int  `json:"total_unique_findings"`
}

// Recommendations 综合审计建议
type Recommendations struct {
	ImmediateActionRequired bool `json:"immediate_action_required"`
	DeploymentRecommended   bool `json:"deployment_recommended"`
	FurtherReviewNeeded     bool `json:"further_review_needed"`
}

// Result 完整审计结果
type Result struct {
	AuditID               string                    `json:"audit_id"`
	Status                string                    `json:"status"`
	ContractName          string                    `json:"contract_name"`
	ContractAddress       string                    `json:"contract_address,omitempty"`
	CodeHash              string                    `json:"code_hash"`
	ContractDescription   string                    `json:"contract_description"`
	StaticVulnerabilities []models.Finding          `json:"static_vulnerabilities"`
	LLMVulnerabilities    *models.VulnerabilityScan `json:"llm_vulnerabilities"`
	FixedCode             string                    `json:"fixed_code,omitempty"`
	OriginalURI           string                    `json:"original_uri,omitempty"`
	FixedURI              string                    `json:"fixed_uri,omitempty"`
	ReportURI             string                    `json:"report_uri,omitempty"`
	SecurityChecks        *models.SecurityAnalysis  `json:"security_checks"`
	AnalysisSummary       AnalysisSummary           `json:"analysis_summary"`
	DeploymentReady       bool                      `json:"deployment_ready"`
	Stages                map[string]StageReport    `json:"stages"`
	Message               string                    `json:"message"`

	AuditType          string              `json:"audit_type,omitempty"`
	AnalysisMethods    []string            `json:"analysis_methods,omitempty"`
	ComparativeResults *ComparativeResults `json:"comparative_results,omitempty"`
	Recommendations    *Recommendations    `json:"recommendations,omitempty"`

	report  string
	summary string
}

// Report 生成的 Markdown 报告
func (r *Result) Report() string {
	return r.report
}

// Summary 简版摘要
func (r *Result) Summary() string {
	return r.summary
}

// Audit 配额检查后执行完整审计
//
// 配额拒绝直接返回 PolicyDenied 错误；之后各阶段失败只记录在 Stages 中。
func (o *Orchestrator) Audit(ctx context.Context, req Request) (*Result, error) {
	if o.deps.Limiter != nil && strings.TrimSpace(req.Wallet) != "" {
		decision, err := o.deps.Limiter.CheckAndRegister(ctx, req.Wallet)
		if err != nil {
			metrics.RecordAudit(TypeFull, "failed")
			return nil, err
		}
		metrics.RecordRateLimit(decisionLabel(decision))
		if !decision.Allowed {
			metrics.RecordAudit(TypeFull, "denied")
			o.logger.WithFields(logrus.Fields{
				"wallet": req.Wallet,
				"reason": decision.Reason,
			}).Info("审计请求被配额拒绝")
			return nil, decision.DenialError().
				WithComponent("audit").
				WithDetails(decision.Reason)
		}
	}

	result, err := o.run(ctx, req, TypeFull)
	if err != nil {
		return nil, err
	}
	result.Message = fmt.Sprintf("Audit complete. Found %d vulnerabilities.", result.LLMVulnerabilities.Total())
	return result, nil
}

// Comprehensive 不检查配额的综合审计，附带对比结论
func (o *Orchestrator) Comprehensive(ctx context.Context, req Request) (*Result, error) {
	result, err := o.run(ctx, req, TypeComprehensive)
	if err != nil {
		return nil, err
	}

	scan := result.LLMVulnerabilities
	staticFound := len(result.StaticVulnerabilities) > 0
	llmFound := scan.Total() > 0

	result.AuditType = TypeComprehensive
	result.AnalysisMethods = []string{"static", "llm"}
	result.ComparativeResults = &ComparativeResults{
		StaticFoundIssues:   staticFound,
		LLMFoundIssues:      llmFound,
		Consensus:           staticFound && llmFound,
		TotalUniqueFindings: scan.Total(),
	}
	result.Recommendations = &Recommendations{
		ImmediateActionRequired: scan.Breakdown().Critical > 0,
		DeploymentRecommended:   scan.IsParsed() && scan.RiskScore() < 5,
		FurtherReviewNeeded:     scan.RiskScore() >= 7,
	}
	result.Message = "Comprehensive audit completed with both static analysis and AI-powered vulnerability detection"
	return result, nil
}

// AuditDeployed 拉取已验证源码后审计链上合约，不检查配额
func (o *Orchestrator) AuditDeployed(ctx context.Context, address string) (*Result, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.ErrInvalidInput.Wrap(fmt.Errorf("合约地址为空")).WithComponent("audit")
	}
	if o.deps.Explorer == nil {
		return nil, errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置区块浏览器")).WithComponent("audit")
	}

	verified, err := o.deps.Explorer.FetchSource(ctx, address)
	if err != nil {
		metrics.RecordAudit(TypeDeployed, "failed")
		return nil, err
	}

	fileName := ""
	if verified.ContractName != "" {
		fileName = verified.ContractName + ".sol"
	}
	result, err := o.run(ctx, Request{Source: verified.SourceCode, FileName: fileName, Address: address}, TypeDeployed)
	if err != nil {
		return nil, err
	}
	result.AuditType = TypeDeployed
	result.Message = fmt.Sprintf("Audit of deployed contract complete. Found %d vulnerabilities.", result.LLMVulnerabilities.Total())
	return result, nil
}

// analysis 并行分析阶段的结果
type analysis struct {
	static      StageResult[[]models.Finding]
	description StageResult[string]
	scan        StageResult[*models.VulnerabilityScan]
	security    StageResult[string]
	original    StageResult[string]
}

// run 执行完整流水线
func (o *Orchestrator) run(ctx context.Context, req Request, auditType string) (*Result, error) {
	if strings.TrimSpace(req.Source) == "" {
		metrics.RecordAudit(auditType, "failed")
		return nil, errors.ErrEmptySource.New().WithComponent("audit")
	}
	if o.deps.LLM == nil {
		metrics.RecordAudit(auditType, "failed")
		return nil, errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置大模型")).WithComponent("audit")
	}

	start := o.now()
	unit := models.ParseSource(req.Source, req.FileName)
	codeMetrics := report.CalculateMetrics(req.Source)
	auditID := o.newID()

	logger := logging.NewAuditLogger(o.logger, auditID, unit.ContractName).WithField("type", auditType)
	ctx = contextWithLogger(ctx, logger)
	logger.Info("开始审计")

	a := o.analyze(ctx, unit)

	staticFindings := a.static.Value
	if staticFindings == nil {
		staticFindings = []models.Finding{}
	}
	scan := a.scan.Value

	description := a.description.Value
	if description == "" {
		description = llm.FallbackDescription(unit.ContractName)
	}

	// 任一分析器有发现时才修复
	fixed := skipped[string]()
	changes := skipped[string]()
	if len(staticFindings) > 0 || scan.Total() > 0 {
		findingsText := analyzer.FormatFindings(append(append([]models.Finding{}, staticFindings...), scan.Findings()...))
		fixed = runStage(ctx, o, StageRemediation, func(ctx context.Context) (string, error) {
			return o.deps.LLM.GenerateFixedContract(ctx, req.Source, findingsText)
		})
		if fixed.OK() {
			changes = runStage(ctx, o, StageChangeSummary, func(ctx context.Context) (string, error) {
				return o.deps.LLM.SummarizeChanges(ctx, req.Source, fixed.Value)
			})
		}
	}

	pinFixed := skipped[string]()
	if fixed.OK() {
		pinFixed = o.pin(ctx, StagePinFixed, fixed.Value, unit.ContractName+"_fixed.sol")
	}

	input := &report.Input{
		Unit:            unit,
		Scan:            scan,
		StaticFindings:  staticFindings,
		FixedSource:     fixed.Value,
		Description:     description,
		ChangeSummary:   changes.Value,
		SecuritySummary: a.security.Value,
		AnalysisTime:    a.scan.Duration,
		TotalTime:       o.now().Sub(start),
	}
	markdown := o.deps.Reports.Generate(input)
	pinReport := o.pin(ctx, StagePinReport, markdown, unit.ContractName+"_report.md")

	checks := runStage(ctx, o, StageSecurityChecks, func(context.Context) (*models.SecurityAnalysis, error) {
		return o.deps.Security.Check(req.Source), nil
	})

	archive := skipped[string]()
	if o.deps.Archive != nil {
		archive = runStage(ctx, o, StageArchive, func(context.Context) (string, error) {
			if fixed.OK() {
				if _, err := o.deps.Archive.SaveContract(unit.ContractName+"_fixed", fixed.Value); err != nil {
					return "", err
				}
			}
			return o.deps.Archive.SaveReport(unit.ContractName, markdown)
		})
	}

	breakdown := scan.Breakdown()
	result := &Result{
		AuditID:               auditID,
		Status:                "completed",
		ContractName:          unit.ContractName,
		ContractAddress:       req.Address,
		CodeHash:              codeMetrics.CodeHash,
		ContractDescription:   description,
		StaticVulnerabilities: staticFindings,
		LLMVulnerabilities:    scan,
		FixedCode:             fixed.Value,
		OriginalURI:           uriOf(a.original),
		FixedURI:              uriOf(pinFixed),
		ReportURI:             uriOf(pinReport),
		SecurityChecks:        checks.Value,
		AnalysisSummary: AnalysisSummary{
			StaticIssuesFound:       len(staticFindings) > 0,
			LLMVulnerabilitiesFound: scan.Total(),
			OverallRiskScore:        scan.RiskScore(),
			SeverityBreakdown:       breakdown,
		},
		DeploymentReady: fixed.OK() && fixed.Value != "" && breakdown.CriticalOrHigh() == 0,
		Stages: map[string]StageReport{
			StageStaticAnalysis:  a.static.Report(),
			StageDescription:     a.description.Report(),
			StageLLMScan:         a.scan.Report(),
			StageSecuritySummary: a.security.Report(),
			StagePinOriginal:     a.original.Report(),
			StageRemediation:     fixed.Report(),
			StageChangeSummary:   changes.Report(),
			StagePinFixed:        pinFixed.Report(),
			StagePinReport:       pinReport.Report(),
			StageSecurityChecks:  checks.Report(),
			StageArchive:         archive.Report(),
		},
		report:  markdown,
		summary: o.deps.Reports.SummaryReport(input),
	}

	o.complete(ctx, result, req.Wallet)

	metrics.RecordAudit(auditType, result.Status)
	logger.WithFields(logrus.Fields{
		"vulnerabilities":  scan.Total(),
		"static_findings":  len(staticFindings),
		"deployment_ready": result.DeploymentReady,
		"duration":         o.now().Sub(start),
	}).Info("审计完成")

	return result, nil
}

// analyze 并行执行互不依赖的分析调用
func (o *Orchestrator) analyze(ctx context.Context, unit models.SourceUnit) *analysis {
	a := &analysis{
		static:   skipped[[]models.Finding](),
		original: skipped[string](),
	}

	var g errgroup.Group
	if o.deps.Analyzer != nil {
		g.Go(func() error {
			a.static = runStage(ctx, o, StageStaticAnalysis, func(ctx context.Context) ([]models.Finding, error) {
				return o.deps.Analyzer.Analyze(ctx, unit.Source)
			})
			return nil
		})
	}
	g.Go(func() error {
		a.description = runStage(ctx, o, StageDescription, func(ctx context.Context) (string, error) {
			return o.deps.LLM.DescribeContract(ctx, unit.Source)
		})
		return nil
	})
	g.Go(func() error {
		a.scan = runStage(ctx, o, StageLLMScan, func(ctx context.Context) (*models.VulnerabilityScan, error) {
			return o.deps.LLM.FindVulnerabilities(ctx, unit.Source)
		})
		return nil
	})
	g.Go(func() error {
		a.security = runStage(ctx, o, StageSecuritySummary, func(ctx context.Context) (string, error) {
			return o.deps.LLM.SecuritySummary(ctx, unit.Source)
		})
		return nil
	})
	if o.deps.Pinner != nil {
		g.Go(func() error {
			a.original = o.pin(ctx, StagePinOriginal, unit.Source, unit.ContractName+".sol")
			return nil
		})
	}
	_ = g.Wait()

	return a
}

func (o *Orchestrator) pin(ctx context.Context, stage, content, name string) StageResult[string] {
	if o.deps.Pinner == nil {
		return skipped[string]()
	}
	return runStage(ctx, o, stage, func(ctx context.Context) (string, error) {
		return o.deps.Pinner.PinFile(ctx, []byte(content), name)
	})
}

// complete 发布完成事件并写入审计记录
func (o *Orchestrator) complete(ctx context.Context, result *Result, wallet string) {
	wallet = strings.ToLower(strings.TrimSpace(wallet))

	if o.deps.Publisher != nil {
		published := runStage(ctx, o, StagePublish, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.deps.Publisher.Publish(ctx, &models.AuditEvent{
				Type:              models.EventAuditCompleted,
				AuditID:           result.AuditID,
				ContractName:      result.ContractName,
				CodeHash:          result.CodeHash,
				RiskScore:         result.AnalysisSummary.OverallRiskScore,
				SeverityBreakdown: result.AnalysisSummary.SeverityBreakdown,
				OriginalURI:       result.OriginalURI,
				FixedURI:          result.FixedURI,
				ReportURI:         result.ReportURI,
				DeploymentReady:   result.DeploymentReady,
				WalletAddress:     wallet,
				ContractAddress:   result.ContractAddress,
				Timestamp:         o.now(),
			})
		})
		result.Stages[StagePublish] = published.Report()
	}

	// 没有报告地址时无法去重，不落库
	if o.deps.Recorder != nil && result.ReportURI != "" {
		recorded := runStage(ctx, o, StageRecord, func(ctx context.Context) (string, error) {
			id, duplicate, err := o.deps.Recorder.SaveAuditRecord(ctx, &models.AuditRecord{
				AuditID:           result.AuditID,
				ContractName:      result.ContractName,
				CodeHash:          result.CodeHash,
				ReportURI:         result.ReportURI,
				OriginalURI:       result.OriginalURI,
				FixedURI:          result.FixedURI,
				RiskScore:         result.AnalysisSummary.OverallRiskScore,
				SeverityBreakdown: result.AnalysisSummary.SeverityBreakdown,
				WalletAddress:     wallet,
				DeploymentReady:   result.DeploymentReady,
			})
			if duplicate {
				o.logger.WithField("record_id", id).Debug("审计记录已存在")
			}
			return id, err
		})
		result.Stages[StageRecord] = recorded.Report()
	}
}

func uriOf(r StageResult[string]) string {
	if !r.OK() || r.Value == "" {
		return ""
	}
	return ipfs.URI(r.Value)
}

func decisionLabel(d ratelimit.Decision) string {
	switch d.Reason {
	case ratelimit.ReasonWhitelisted:
		return "whitelisted"
	case ratelimit.ReasonTrialExceeded:
		return "trial_exceeded"
	case ratelimit.ReasonDailyLimit:
		return "daily_limit"
	default:
		return "allowed"
	}
}
