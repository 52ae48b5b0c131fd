package models

import (
	"strings"
)

// Severity 漏洞严重级别
type Severity string

const (
	SeverityCritical      Severity = "critical"
	SeverityHigh          Severity = "high"
	SeverityMedium        Severity = "medium"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

// FindingSource 发现来源
type FindingSource string

const (
	SourceStatic FindingSource = "static" // 静态分析器
	SourceLLM    FindingSource = "llm"    // 大模型分析
)

// ParseSeverity 解析严重级别，大小写不敏感
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "informational", "info", "optimization":
		return SeverityInformational
	default:
		return Severity(strings.TrimSpace(s))
	}
}

// Rank 排序权重，越大越严重
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Bucket 映射到四个统计桶之一，未知级别归入 low
func (s Severity) Bucket() Severity {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium:
		return s
	default:
		return SeverityLow
	}
}

// Title 首字母大写的展示形式
func (s Severity) Title() string {
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// Finding 单条漏洞发现
type Finding struct {
	Title          string        `json:"title"`
	Severity       Severity      `json:"severity"`
	Description    string        `json:"description"`
	Location       string        `json:"location"`
	Line           *int          `json:"line,omitempty"`
	Contract       string        `json:"contract,omitempty"`
	Impact         string        `json:"impact"`
	Recommendation string        `json:"recommendation"`
	Confidence     string        `json:"confidence,omitempty"`
	Source         FindingSource `json:"source"`
}

// SeverityBreakdown 各严重级别计数
type SeverityBreakdown struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total 计数总和
func (b SeverityBreakdown) Total() int {
	return b.Critical + b.High + b.Medium + b.Low
}

// CriticalOrHigh 严重和高危数量
func (b SeverityBreakdown) CriticalOrHigh() int {
	return b.Critical + b.High
}

// Add 按桶计数
func (b *SeverityBreakdown) Add(s Severity) {
	switch s.Bucket() {
	case SeverityCritical:
		b.Critical++
	case SeverityHigh:
		b.High++
	case SeverityMedium:
		b.Medium++
	default:
		b.Low++
	}
}

// Count 获取指定级别计数
func (b SeverityBreakdown) Count(s Severity) int {
	switch s {
	case SeverityCritical:
		return b.Critical
	case SeverityHigh:
		return b.High
	case SeverityMedium:
		return b.Medium
	case SeverityLow:
		return b.Low
	default:
		return 0
	}
}

// BreakdownOf 根据发现列表计算分布
func BreakdownOf(findings []Finding) SeverityBreakdown {
	var b SeverityBreakdown
	for _, f := range findings {
		b.Add(f.Severity)
	}
	return b
}
