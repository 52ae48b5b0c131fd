package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"

	"github.com/sirupsen/logrus"
)

// Runner 以 standard-json 方式调用指定版本的编译器
type Runner interface {
	Run(ctx context.Context, version string, input []byte) ([]byte, error)
}

// ExecRunner 调用本地 solc 可执行文件
type ExecRunner struct {
	cfg    *config.CompilerConfig
	logger *logrus.Logger
}

// NewExecRunner 创建子进程编译器
func NewExecRunner(cfg *config.CompilerConfig, logger *logrus.Logger) *ExecRunner {
	return &ExecRunner{cfg: cfg, logger: logger}
}

// Resolve 查找指定版本的 solc
func (r *ExecRunner) Resolve(ctx context.Context, version string) (string, error) {
	if r.cfg.SolcBinDir != "" {
		for _, name := range []string{"solc-v" + version, "solc-" + version} {
			path := filepath.Join(r.cfg.SolcBinDir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}

	if r.cfg.SolcBinary != "" {
		out, err := exec.CommandContext(ctx, r.cfg.SolcBinary, "--version").Output()
		if err == nil && strings.Contains(string(out), "Version: "+version) {
			return r.cfg.SolcBinary, nil
		}
	}

	return "", errors.ErrVersionUnavailable.New().
		WithComponent("compiler").
		WithContext("version", version)
}

// Run 执行编译
func (r *ExecRunner) Run(ctx context.Context, version string, input []byte) ([]byte, error) {
	binary, err := r.Resolve(ctx, version)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TimeoutDuration())
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "--standard-json")
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.WithFields(logrus.Fields{
		"binary":  binary,
		"version": version,
	}).Debug("调用编译器")

	if err := cmd.Run(); err != nil {
		return nil, errors.ErrCompileFailed.Wrap(fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))).
			WithComponent("compiler")
	}
	return stdout.Bytes(), nil
}
