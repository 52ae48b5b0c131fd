package report

import (
	"regexp"
	"strings"
)

var (
	windowsPathPattern = regexp.MustCompile(`\(?[A-Z]:[\\/].*\)?`)
	unixPathPattern    = regexp.MustCompile(`\(?/(?:home|tmp|Users|var|root|opt)/\S*\)?`)
	toolNamePattern    = regexp.MustCompile(`(?i)(?:slither|mythril|solhint|solc)`)
)

// Sanitize 去掉本地路径片段，把分析工具名替换为通用名称
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	text = windowsPathPattern.ReplaceAllString(text, "")
	text = unixPathPattern.ReplaceAllString(text, "")
	text = toolNamePattern.ReplaceAllString(text, "analysis")
	return strings.TrimSpace(text)
}
