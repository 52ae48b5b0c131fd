package compiler

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var versionDirective = regexp.MustCompile(`pragma\s+solidity\s*[\^>=<~]*\s*(\d+\.\d+(?:\.\d+)?)`)

// ResolveVersion 从版本指令解析编译器版本
//
// 没有指令时使用默认版本；只有主次版本号时补上固定补丁号。
func ResolveVersion(source, defaultVersion, patchSuffix string) string {
	m := versionDirective.FindStringSubmatch(source)
	if m == nil {
		return defaultVersion
	}

	version := m[1]
	if strings.Count(version, ".") == 1 {
		version += patchSuffix
	}

	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return defaultVersion
	}
	return v.String()
}
