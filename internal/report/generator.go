package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"auditsmart/internal/llm"
	"auditsmart/pkg/models"
)

const (
	reportVersion  = "2.2 Enhanced"
	analysisEngine = "AuditSmartAi Advanced Security Analyzer"

	noIssuesMessage = "No security vulnerabilities were detected during the analysis. The contract appears to follow secure coding practices."

	disclaimer = `**IMPORTANT DISCLAIMER:**
This automated security audit report was generated using advanced static analysis and machine learning techniques. While comprehensive, this analysis should be supplemented with manual code review and testing. The remediated code includes security improvements but should be thoroughly tested in a development environment before production deployment.

**RECOMMENDATIONS:**
- Perform comprehensive testing of the remediated code
- Conduct additional manual security reviews
- Implement proper access controls and monitoring
- Follow deployment best practices for smart contracts
- Consider additional audits for high-value contracts`
)

var (
	heavyRule = strings.Repeat("=", 80)
	lightRule = strings.Repeat("-", 80)
	dotRule   = strings.Repeat(".", 60)
)

var boxIcons = map[string]string{
	"info":     "ℹ️",
	"warning":  "⚠️",
	"success":  "✅",
	"error":    "❌",
	"critical": "🚨",
}

var severityEmoji = map[models.Severity]string{
	models.SeverityCritical: "🔴",
	models.SeverityHigh:     "🟠",
	models.SeverityMedium:   "🟡",
	models.SeverityLow:      "🟢",
}

// 严重级别分布中每一级的影响和处理建议
var severityGuidance = []struct {
	severity models.Severity
	label    string
	impact   string
	action   string
}{
	{models.SeverityCritical, "🔴 Critical", "System compromising", "Immediate fix required"},
	{models.SeverityHigh, "🟠 High", "Security breach risk", "Fix before deployment"},
	{models.SeverityMedium, "🟡 Medium", "Potential vulnerability", "Should be addressed"},
	{models.SeverityLow, "🟢 Low", "Minor security concern", "Consider fixing"},
}

// RiskTier 风险等级
type RiskTier struct {
	Level  string // CRITICAL / HIGH / MEDIUM / LOW / MINIMAL
	Label  string
	Status string
	Box    string
}

// TierFor 按总体风险评分划分风险等级
func TierFor(score float64) RiskTier {
	switch {
	case score >= 8:
		return RiskTier{"CRITICAL", "🔴 **CRITICAL RISK**", "🔴 CRITICAL RISK - Immediate action required", "critical"}
	case score >= 6:
		return RiskTier{"HIGH", "🟠 **HIGH RISK**", "🟠 HIGH RISK - Fix before deployment", "warning"}
	case score >= 4:
		return RiskTier{"MEDIUM", "🟡 **MEDIUM RISK**", "🟡 MEDIUM RISK - Should be addressed", "warning"}
	case score >= 2:
		return RiskTier{"LOW", "🟢 **LOW RISK**", "🟢 LOW RISK - Minor issues", "success"}
	default:
		return RiskTier{"MINIMAL", "✅ **MINIMAL RISK**", "✅ MINIMAL RISK - Good security posture", "success"}
	}
}

// Input 报告生成所需的全部数据，耗时由调用方提供
type Input struct {
	Unit            models.SourceUnit
	Scan            *models.VulnerabilityScan
	StaticFindings  []models.Finding
	FixedSource     string
	Description     string
	ChangeSummary   string
	SecuritySummary string
	AnalysisTime    time.Duration // 大模型漏洞扫描耗时
	TotalTime       time.Duration
}

// Generator 审计报告生成器
type Generator struct {
	now func() time.Time
}

// NewGenerator 创建报告生成器
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// WithClock 替换时钟
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// doc markdown 文档拼接
type doc struct {
	strings.Builder
}

func (d *doc) line(format string, args ...interface{}) {
	if len(args) == 0 {
		d.WriteString(format)
	} else {
		fmt.Fprintf(d, format, args...)
	}
	d.WriteString("\n")
}

func (d *doc) section(title string) {
	d.WriteString("\n## " + title + "\n\n")
}

func (d *doc) subsection(title string) {
	d.WriteString("\n### " + title + "\n\n")
}

func (d *doc) box(content, boxType string) {
	icon, ok := boxIcons[boxType]
	if !ok {
		icon = boxIcons["info"]
	}
	d.WriteString("\n> " + icon + " **" + strings.ToUpper(boxType) + "**\n> \n")
	for _, l := range strings.Split(content, "\n") {
		d.WriteString("> " + l + "\n")
	}
	d.WriteString("\n")
}

// Generate 生成完整审计报告
func (g *Generator) Generate(in *Input) string {
	original := CalculateMetrics(in.Unit.Source)
	gas := AnalyzeGas(in.Unit.Source)
	hasFixed := strings.TrimSpace(in.FixedSource) != ""
	now := g.now()

	d := &doc{}
	g.writeHeader(d, now)
	g.writeExecutiveSummary(d, in, original, gas, hasFixed, now)
	g.writeOverview(d, in, original)

	d.section("💻 Original Contract Code")
	d.line("```solidity")
	d.line(in.Unit.Source)
	d.line("```")
	d.line(lightRule)

	g.writeVulnerabilities(d, in)
	g.writeGas(d, gas)
	if hasFixed {
		g.writeRemediation(d, in, original)
	}
	g.writeAdvisories(d, in, hasFixed)
	g.writeFooter(d, in, original, hasFixed, now)
	d.box(disclaimer, "warning")
	return d.String()
}

func (g *Generator) writeHeader(d *doc, now time.Time) {
	d.line("# 🛡️ COMPREHENSIVE SMART CONTRACT SECURITY AUDIT REPORT")
	d.line(heavyRule)
	d.line("")
	d.line("**Generated:** %s", now.Format("January 02, 2006 at 15:04:05"))
	d.line("**Report Version:** %s", reportVersion)
	d.line("**Analysis Engine:** %s", analysisEngine)
	d.line("")
	d.line(heavyRule)
}

func (g *Generator) writeExecutiveSummary(d *doc, in *Input, m models.CodeMetrics, gas models.GasAnalysis, hasFixed bool, now time.Time) {
	tier := TierFor(in.Scan.RiskScore())
	remediation := "⚠️ Manual fixes required"
	if hasFixed {
		remediation = "✅ Fixed code provided"
	}

	d.section("📋 Executive Summary")
	d.box(fmt.Sprintf("Risk Level: %s\nComplexity Score: %.1f\nAnalysis Date: %s\nRemediation: %s",
		tier.Label, m.ComplexityScore, now.Format("2006-01-02 15:04:05"), remediation), tier.Box)

	d.subsection("🎯 Key Findings")
	var findings []string
	if in.Scan.Total() > 0 {
		breakdown := in.Scan.Breakdown()
		if breakdown.Critical > 0 {
			findings = append(findings, fmt.Sprintf("🚨 **URGENT ACTION REQUIRED**: %d critical vulnerabilities detected", breakdown.Critical))
		}
		if breakdown.High > 0 {
			findings = append(findings, fmt.Sprintf("🔥 **HIGH PRIORITY**: %d high-severity security issues found", breakdown.High))
		}
		if hasFixed {
			findings = append(findings, "✅ **SOLUTION PROVIDED**: Remediated contract code included with security fixes")
		} else {
			findings = append(findings, "⚠️ **ACTION NEEDED**: Security remediation recommended before deployment")
		}
	} else {
		findings = append(findings, "✅ **SECURITY STATUS**: No critical vulnerabilities detected")
	}
	if gas.OptimizationScore < 70 {
		findings = append(findings, "⛽ **OPTIMIZATION**: Gas efficiency improvements available")
	}
	findings = append(findings, fmt.Sprintf("📊 **COMPLEXITY**: %s contract complexity level", complexityLevel(m.ComplexityScore)))
	if hasFixed {
		findings = append(findings, "🔧 **ENHANCEMENT**: Security measures implemented in fixed version")
	}
	for _, f := range findings {
		d.line("- " + f)
	}
	d.line("")
	d.line(heavyRule)
}

func (g *Generator) writeOverview(d *doc, in *Input, m models.CodeMetrics) {
	name := in.Unit.ContractName
	if in.Scan != nil && in.Scan.ContractName != "" {
		name = in.Scan.ContractName
	}

	d.section("📄 Contract Overview")
	d.line("**Contract Name:** `%s`", name)
	d.line("**Code Hash:** `%s`", m.CodeHash)
	d.line("**Contract Size:** %s bytes", commas(m.ContractSizeBytes))
	d.line("**Lines of Code:** %s (excluding comments)", commas(m.LinesOfCode))
	d.line("**Total Lines:** %s (including comments)", commas(m.TotalLines))
	if in.Description != "" {
		d.line("")
		d.line("**Contract Description:**")
		d.line("> " + Sanitize(in.Description))
	}
	d.WriteString(MetricsTable(m, "Code Metrics"))
	d.line("")
	d.line(lightRule)
}

// MetricsTable 代码度量表格，每项带评估
func MetricsTable(m models.CodeMetrics, title string) string {
	d := &doc{}
	d.line("")
	d.line("#### " + title)
	d.line("| Metric | Value | Assessment |")
	d.line("|--------|-------|------------|")

	row := func(name, value, assessment string) {
		d.line("| %s | %s | %s |", name, value, assessment)
	}
	row("Functions", strconv.Itoa(m.Functions), pick(m.Functions > 10, "High complexity", pick(m.Functions > 5, "Moderate", "Simple")))
	row("State Variables", strconv.Itoa(m.StateVariables), pick(m.StateVariables > 10, "Many storage operations", "Standard"))
	row("External Calls", strconv.Itoa(m.ExternalCalls), pick(m.ExternalCalls > 3, "⚠️ High risk", pick(m.ExternalCalls <= 1, "✅ Low risk", "🟡 Medium risk")))
	row("Events", strconv.Itoa(m.Events), pick(m.Events > 2, "Good logging", "Consider more events"))
	row("Modifiers", strconv.Itoa(m.Modifiers), pick(m.Modifiers > 0, "Good access control", "⚠️ No access modifiers"))
	row("Require Statements", strconv.Itoa(m.RequireStatements), pick(m.RequireStatements > 2, "Good validation", "Consider more validation"))
	row("Complexity Score", fmt.Sprintf("%.1f", m.ComplexityScore), pick(m.ComplexityScore > 50, "🔴 High", pick(m.ComplexityScore > 20, "🟡 Medium", "🟢 Low")))
	return d.String()
}

func (g *Generator) writeVulnerabilities(d *doc, in *Input) {
	d.section("🚨 Security Vulnerability Analysis")

	d.subsection("📊 Analysis Summary")
	if in.Scan.IsParsed() {
		d.line("**Total Findings:** %d", in.Scan.Total())
		d.line("**Overall Risk Score:** %s/10", formatScore(in.Scan.RiskScore()))
	} else {
		d.line("**Total Findings:** Unknown")
		d.line("**Overall Risk Score:** Unknown")
	}
	d.line("**Analysis Duration:** %.2f seconds", in.AnalysisTime.Seconds())

	findings := in.Scan.Findings()
	switch {
	case len(findings) > 0:
		breakdown := in.Scan.Breakdown()
		d.subsection("🚨 Severity Distribution")
		for _, level := range severityGuidance {
			if count := breakdown.Count(level.severity); count > 0 {
				d.line("- %s: %d findings - %s - %s", level.label, count, level.impact, level.action)
			}
		}

		d.subsection("🔍 Detailed Security Findings")
		for i, f := range findings {
			writeFinding(d, i+1, f)
		}
		if summary := in.Scan.Summary(); summary != "" {
			d.subsection("📋 Overall Security Assessment")
			d.line(Sanitize(summary))
		}
	case !in.Scan.IsParsed() && in.Scan.Summary() != "":
		d.subsection("📋 Overall Security Assessment")
		d.line(Sanitize(in.Scan.Summary()))
	case len(in.StaticFindings) == 0:
		d.box(noIssuesMessage, "success")
	}

	if len(in.StaticFindings) > 0 {
		d.subsection("🔎 Static Analysis Findings")
		for i, f := range in.StaticFindings {
			location := f.Location
			if location == "" {
				location = "Not specified"
			}
			d.line("%d. %s **%s** (%s)", i+1, emojiFor(f.Severity), Sanitize(f.Title), f.Severity.Bucket().Title())
			d.line("   - Location: %s", Sanitize(location))
			if f.Description != "" {
				d.line("   - %s", Sanitize(f.Description))
			}
		}
	}
	d.line(lightRule)
}

func writeFinding(d *doc, index int, f models.Finding) {
	title := f.Title
	if title == "" {
		title = "Security Issue"
	}
	location := f.Location
	if location == "" {
		location = "Not specified"
	}
	impact := f.Impact
	if impact == "" {
		impact = "Not specified"
	}

	d.line("")
	d.line("#### Finding #%d: %s %s", index, emojiFor(f.Severity), Sanitize(title))
	d.line("")
	d.line("**Severity Level:** %s", f.Severity.Title())
	d.line("**Location:** %s", Sanitize(location))
	d.line("**Impact Assessment:** %s", Sanitize(impact))
	if f.Description != "" {
		d.line("")
		d.line("**Description:**")
		d.line(Sanitize(f.Description))
	}
	if f.Recommendation != "" {
		d.line("")
		d.line("**Recommended Fix:**")
		d.line(Sanitize(f.Recommendation))
	}
	d.line("")
	d.line(dotRule)
}

func (g *Generator) writeGas(d *doc, gas models.GasAnalysis) {
	d.section("⛽ Gas Optimization Analysis")

	score := gas.OptimizationScore
	level, box := "Needs Improvement", "error"
	switch {
	case score >= 80:
		level, box = "Excellent", "success"
	case score >= 60:
		level, box = "Good", "warning"
	}
	d.box(fmt.Sprintf("Gas Optimization Score: %d/100\nOptimization Level: %s", score, level), box)

	if len(gas.Issues) > 0 {
		d.subsection("⚠️ Gas Efficiency Issues")
		for i, issue := range gas.Issues {
			d.line("%d. %s **%s**", i+1, emojiFor(models.ParseSeverity(issue.Severity)), issue.Type)
			d.line("   - Issue: %s", issue.Description)
			d.line("   - Fix: %s", issue.Recommendation)
			d.line("")
		}
	}
	if len(gas.Savings) > 0 {
		d.subsection("💡 Optimization Opportunities")
		for i, saving := range gas.Savings {
			d.line("%d. %s **%s** (Savings: %s)", i+1, savingsEmoji(saving.EstimatedSavings), saving.Type, saving.EstimatedSavings)
			d.line("   - %s", saving.Description)
			d.line("")
		}
	}
	d.line(lightRule)
}

func (g *Generator) writeRemediation(d *doc, in *Input, original models.CodeMetrics) {
	d.section("🔧 Remediated Contract Code")
	if total := in.Scan.Total() + len(in.StaticFindings); total > 0 {
		d.box(fmt.Sprintf("The following enhanced contract includes fixes for %d identified security issues, along with additional improvements and optimizations.", total), "success")
	} else {
		d.box("Enhanced version with improved security practices, gas optimizations, and code quality improvements.", "info")
	}
	d.line("```solidity")
	d.line(in.FixedSource)
	d.line("```")

	if improvements := Improvements(original, CalculateMetrics(in.FixedSource)); len(improvements) > 0 {
		d.subsection("📈 Security Improvements Summary")
		d.line("**Key Security Enhancements:**")
		d.line("")
		for _, improvement := range improvements {
			d.line("  ✅ " + improvement)
		}
		d.line("")
	}
	if in.ChangeSummary != "" {
		d.subsection("📝 Detailed Code Changes")
		d.line(Sanitize(in.ChangeSummary))
	}
	d.line(lightRule)
}

// Improvements 对比修复前后的度量
func Improvements(before, after models.CodeMetrics) []string {
	var out []string
	if after.RequireStatements > before.RequireStatements {
		out = append(out, "Enhanced input validation and error handling")
	}
	if after.Modifiers > before.Modifiers {
		out = append(out, "Improved access control mechanisms")
	}
	if after.ExternalCalls < before.ExternalCalls {
		out = append(out, "Reduced external call attack surface")
	}
	if after.ComplexityScore < before.ComplexityScore {
		out = append(out, "Simplified and optimized contract logic")
	}
	return out
}

func (g *Generator) writeAdvisories(d *doc, in *Input, hasFixed bool) {
	code := in.Unit.Source
	if hasFixed {
		code = in.FixedSource
	}

	if in.SecuritySummary != "" {
		d.section("🛡️ Security Assessment Summary")
		d.line(Sanitize(in.SecuritySummary))
		d.line("")
		d.line(lightRule)
	}
	writeList(d, "⚡ Performance & Optimization Recommendations", llm.OptimizationSuggestions(code))
	writeList(d, "✅ Best Practices Compliance Checklist", llm.BestPracticeChecklist(code))
}

func writeList(d *doc, title string, items []string) {
	if len(items) == 0 {
		return
	}
	d.section(title)
	n := 0
	for _, item := range items {
		if item == "" {
			continue
		}
		n++
		d.line("%d. %s", n, Sanitize(item))
	}
	d.line("")
	d.line(lightRule)
}

func (g *Generator) writeFooter(d *doc, in *Input, m models.CodeMetrics, hasFixed bool, now time.Time) {
	status := "⚠️ Manual security fixes required"
	if hasFixed {
		status = "✅ Enhanced contract code provided"
	}

	d.section("📋 Report Summary & Information")
	d.line("**Report Generated:** %s", now.Format("2006-01-02 15:04:05"))
	d.line("**Analysis Engine:** Advanced LLM Security Scanner v%s", reportVersion)
	d.line("**Report Format:** Comprehensive Security Audit with Automated Remediation")
	d.line("**Contract Hash:** `%s`", m.CodeHash)
	d.line("**Remediation Status:** %s", status)
	d.line("**Total Analysis Time:** %.2f seconds", in.TotalTime.Seconds())
}

// SummaryReport 简版摘要，供命令行输出
func (g *Generator) SummaryReport(in *Input) string {
	m := CalculateMetrics(in.Unit.Source)
	gas := AnalyzeGas(in.Unit.Source)
	tier := TierFor(in.Scan.RiskScore())

	remediation := "❌ Manual fixes needed"
	if strings.TrimSpace(in.FixedSource) != "" {
		remediation = "✅ Yes"
	}

	d := &doc{}
	d.line("# 📊 SMART CONTRACT AUDIT SUMMARY")
	d.line(strings.Repeat("=", 50))
	d.line("")
	d.line("**Risk Assessment:** %s", tier.Status)
	d.line("**Vulnerabilities Found:** %d", in.Scan.Total())
	d.line("**Static Analysis Findings:** %d", len(in.StaticFindings))
	d.line("**Risk Score:** %s/10", formatScore(in.Scan.RiskScore()))
	d.line("**Gas Optimization Score:** %d/100", gas.OptimizationScore)
	d.line("**Code Complexity:** %.1f", m.ComplexityScore)
	d.line("**Remediation Available:** %s", remediation)
	d.line("")

	if in.Scan.Total() > 0 {
		breakdown := in.Scan.Breakdown()
		d.line("**Vulnerability Breakdown:**")
		for _, level := range severityGuidance {
			if count := breakdown.Count(level.severity); count > 0 {
				d.line("- %s %s: %d", severityEmoji[level.severity], level.severity.Title(), count)
			}
		}
	}
	d.line("")
	d.line("*Generated: %s*", g.now().Format("2006-01-02 15:04:05"))
	return d.String()
}

func complexityLevel(score float64) string {
	switch {
	case score > 50:
		return "High"
	case score > 20:
		return "Moderate"
	default:
		return "Low"
	}
}

func emojiFor(s models.Severity) string {
	if e, ok := severityEmoji[s]; ok {
		return e
	}
	return "⚪"
}

func savingsEmoji(level string) string {
	switch level {
	case "High":
		return "🔥"
	case "Medium":
		return "🟡"
	default:
		return "🟢"
	}
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// commas 千位分隔
func commas(n int) string {
	s := strconv.Itoa(n)
	if n < 0 {
		return "-" + commas(-n)
	}
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteString(",")
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
