package compiler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/pkg/models"

	"github.com/sirupsen/logrus"
)

// Compiler 编译适配器，每次调用无状态
type Compiler struct {
	runner Runner
	cfg    *config.CompilerConfig
	logger *logrus.Logger
}

// New 创建编译适配器
func New(runner Runner, cfg *config.CompilerConfig, logger *logrus.Logger) *Compiler {
	return &Compiler{runner: runner, cfg: cfg, logger: logger}
}

type standardInput struct {
	Language string                    `json:"language"`
	Sources  map[string]standardSource `json:"sources"`
	Settings standardSettings          `json:"settings"`
}

type standardSource struct {
	Content string `json:"content"`
}

type standardSettings struct {
	Optimizer       optimizerSettings                 `json:"optimizer"`
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

type optimizerSettings struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs"`
}

type standardOutput struct {
	Errors    []compilerMessage                      `json:"errors"`
	Contracts map[string]map[string]compiledContract `json:"contracts"`
}

type compilerMessage struct {
	Severity         string `json:"severity"`
	Message          string `json:"message"`
	FormattedMessage string `json:"formattedMessage"`
}

type compiledContract struct {
	ABI json.RawMessage `json:"abi"`
	EVM struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
		GasEstimates map[string]interface{} `json:"gasEstimates"`
	} `json:"evm"`
}

// Compile 编译源码并校验字节码
func (c *Compiler) Compile(ctx context.Context, source string) (*models.CompilationResult, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.ErrEmptySource.New().WithComponent("compiler")
	}

	unit := models.ParseSource(source, "")
	version := ResolveVersion(source, c.cfg.DefaultVersion, c.cfg.PatchSuffix)
	fileName := unit.ContractName + ".sol"

	input, err := json.Marshal(c.buildInput(fileName, source))
	if err != nil {
		return nil, fmt.Errorf("序列化编译输入失败: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"contract_name": unit.ContractName,
		"solc_version":  version,
	})
	logger.Info("开始编译合约")

	raw, err := c.runner.Run(ctx, version, input)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.ErrCompileFailed.Wrap(err).WithComponent("compiler")
	}

	var output standardOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, errors.ErrCompileFailed.Wrap(fmt.Errorf("编译输出无法解析: %w", err)).WithComponent("compiler")
	}

	var messages []string
	for _, msg := range output.Errors {
		if strings.EqualFold(msg.Severity, "error") {
			text := msg.FormattedMessage
			if text == "" {
				text = msg.Message
			}
			messages = append(messages, strings.TrimSpace(text))
		}
	}
	if len(messages) > 0 {
		return nil, errors.ErrCompileFailed.New().
			WithComponent("compiler").
			WithDetails(messages).
			WithContext("errors", strings.Join(messages, "\n"))
	}

	name, contract, ok := selectContract(output.Contracts[fileName], unit.ContractName)
	if !ok {
		return nil, errors.ErrEmptyBytecode.New().WithComponent("compiler")
	}

	bytecode := strings.TrimPrefix(contract.EVM.Bytecode.Object, "0x")
	if bytecode == "" {
		return nil, errors.ErrEmptyBytecode.New().WithComponent("compiler").WithContext("contract", name)
	}
	if len(bytecode)%2 != 0 {
		return nil, errors.ErrCompileFailed.New().WithComponent("compiler").WithContext("reason", "字节码长度为奇数")
	}
	if _, err := hex.DecodeString(bytecode); err != nil {
		return nil, errors.ErrCompileFailed.Wrap(err).WithComponent("compiler")
	}

	result := &models.CompilationResult{
		ContractName:    name,
		Bytecode:        bytecode,
		ABI:             contract.ABI,
		GasEstimates:    contract.EVM.GasEstimates,
		CompilerVersion: version,
	}

	if size := result.BytecodeSize(); size > c.cfg.MaxContractSize {
		return nil, errors.ErrContractTooLarge.New().
			WithComponent("compiler").
			WithContext("size", size).
			WithContext("limit", c.cfg.MaxContractSize)
	}

	logger.WithField("bytecode_size", result.BytecodeSize()).Info("合约编译完成")
	return result, nil
}

func (c *Compiler) buildInput(fileName, source string) standardInput {
	return standardInput{
		Language: "Solidity",
		Sources:  map[string]standardSource{fileName: {Content: source}},
		Settings: standardSettings{
			Optimizer: optimizerSettings{Enabled: true, Runs: c.cfg.OptimizerRuns},
			OutputSelection: map[string]map[string][]string{
				"*": {"*": {"abi", "evm.bytecode", "evm.gasEstimates"}},
			},
		},
	}
}

// selectContract 优先按名称取合约，否则取输出中的第一个合约
func selectContract(contracts map[string]compiledContract, name string) (string, compiledContract, bool) {
	if len(contracts) == 0 {
		return "", compiledContract{}, false
	}
	if contract, ok := contracts[name]; ok {
		return name, contract, true
	}

	keys := make([]string, 0, len(contracts))
	for k := range contracts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0], contracts[keys[0]], true
}
