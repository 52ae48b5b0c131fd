package analyzer

import (
	"bytes"
	"context"
	"os/exec"
)

// CommandExecutor 执行外部命令并返回标准输出和标准错误
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

// ExecExecutor 真实子进程执行器
type ExecExecutor struct{}

// Execute 执行命令
func (ExecExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outb, errb bytes.Buffer
	cmd.Stdout = &outb
	cmd.Stderr = &errb
	err := cmd.Run()
	return outb.Bytes(), errb.Bytes(), err
}
