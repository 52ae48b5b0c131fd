package report

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"strings"

	"auditsmart/pkg/models"
)

var (
	functionPattern      = regexp.MustCompile(`function\s+\w+`)
	modifierPattern      = regexp.MustCompile(`modifier\s+\w+`)
	eventPattern         = regexp.MustCompile(`event\s+\w+`)
	stateVariablePattern = regexp.MustCompile(`(?m)^\s*(?:uint|int|bool|address|string|bytes|mapping)\s+(?:public|private|internal)?\s*\w+`)
	externalCallPattern  = regexp.MustCompile(`\.call\(|\.delegatecall\(|\.staticcall\(`)
	requirePattern       = regexp.MustCompile(`require\s*\(`)
	lengthLoopPattern    = regexp.MustCompile(`for\s*\([^)]*\.length[^)]*\)`)
)

// CalculateMetrics 计算代码度量
func CalculateMetrics(source string) models.CodeMetrics {
	lines := strings.Split(source, "\n")
	m := models.CodeMetrics{
		TotalLines:        len(lines),
		ContractSizeBytes: len(source),
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m.LinesOfCode++
		if strings.HasPrefix(trimmed, "//") {
			m.CommentLines++
		}
	}

	m.Functions = len(functionPattern.FindAllStringIndex(source, -1))
	m.Modifiers = len(modifierPattern.FindAllStringIndex(source, -1))
	m.Events = len(eventPattern.FindAllStringIndex(source, -1))
	m.StateVariables = len(stateVariablePattern.FindAllStringIndex(source, -1))
	m.ExternalCalls = len(externalCallPattern.FindAllStringIndex(source, -1))
	m.RequireStatements = len(requirePattern.FindAllStringIndex(source, -1))

	sum := sha256.Sum256([]byte(source))
	m.CodeHash = hex.EncodeToString(sum[:])[:16]

	score := float64(m.Functions*2+m.ExternalCalls*3+m.StateVariables) + float64(m.LinesOfCode)*0.1
	m.ComplexityScore = math.Round(score*10) / 10
	return m
}

// AnalyzeGas 基于代码模式的 Gas 分析
func AnalyzeGas(source string) models.GasAnalysis {
	analysis := models.GasAnalysis{
		Issues:  []models.GasIssue{},
		Savings: []models.GasSaving{},
	}

	if strings.Contains(source, "public") && !strings.Contains(source, "view") {
		analysis.Savings = append(analysis.Savings, models.GasSaving{
			Type:             "Visibility",
			Description:      "Consider making non-essential functions private/internal",
			EstimatedSavings: "Low",
		})
	}
	if lengthLoopPattern.MatchString(source) {
		analysis.Issues = append(analysis.Issues, models.GasIssue{
			Type:           "Loop Optimization",
			Description:    "Array length accessed in loop condition",
			Severity:       "Medium",
			Recommendation: "Cache array length before loop",
		})
	}
	if strings.Contains(source, "string") && strings.Contains(source, "storage") {
		analysis.Savings = append(analysis.Savings, models.GasSaving{
			Type:             "Storage",
			Description:      "String storage usage detected",
			EstimatedSavings: "Medium",
		})
	}

	score := 100 - 15*len(analysis.Issues)
	if score < 0 {
		score = 0
	}
	analysis.OptimizationScore = score
	return analysis
}
