package llm

import (
	"strings"
)

// OptimizationSuggestions 基于代码模式的 Gas 优化建议
func OptimizationSuggestions(source string) []string {
	var suggestions []string
	if strings.Contains(source, "require(") {
		suggestions = append(suggestions, "Consider custom error messages for require statements to save gas")
	}
	if strings.Contains(source, "for (") {
		suggestions = append(suggestions, "Optimize loops by caching array length and using unchecked when safe")
	}
	if strings.Contains(source, "public") {
		suggestions = append(suggestions, "Mark constants as private to save deployment gas")
	}
	return suggestions
}

// BestPracticeChecklist 最佳实践检查项
func BestPracticeChecklist(source string) []string {
	var checklist []string
	if !strings.Contains(source, "pragma solidity ^0.8.") {
		checklist = append(checklist, "Upgrade to Solidity 0.8.x for built-in overflow protection")
	}
	if !strings.Contains(source, "// SPDX-License-Identifier:") {
		checklist = append(checklist, "Add SPDX license identifier at the top of the file")
	}
	if strings.Contains(strings.ToLower(source), "reentrancy") {
		checklist = append(checklist, "Consider adding reentrancy guards for functions that make external calls")
	}
	return checklist
}
