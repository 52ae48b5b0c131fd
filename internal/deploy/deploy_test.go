package deploy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"auditsmart/internal/config"
	"auditsmart/internal/connection"
	"auditsmart/internal/decoder"
	"auditsmart/internal/errors"
	"auditsmart/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const safeSource = `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.19;

import "@openzeppelin/contracts/security/ReentrancyGuard.sol";
import "@openzeppelin/contracts/security/Pausable.sol";

contract Vault is ReentrancyGuard, Pausable {
    function withdraw() external onlyOwner nonReentrant {}
}
`

// 没有版本指令也没有任何安全标记
const bareSource = `contract Bare {
    uint256 value;
}
`

func TestSecurityChecks(t *testing.T) {
	tests := []struct {
		name         string
		source       string
		wantPassed   bool
		wantCritical []string
		wantWarnings []string
		wantScore    float64
	}{
		{
			name:         "全部通过",
			source:       safeSource,
			wantPassed:   true,
			wantCritical: []string{},
			wantWarnings: []string{},
			wantScore:    1,
		},
		{
			name:         "无标记的合约",
			source:       bareSource,
			wantPassed:   true,
			wantCritical: []string{},
			wantWarnings: []string{CheckReentrancyGuard, CheckSafeMath, CheckOwnerControls, CheckPausable},
			wantScore:    3.0 / 7.0,
		},
		{
			name:         "delegatecall 大小写不敏感",
			source:       "contract P { function f(address a) public { a.DelegateCall(\"\"); } }",
			wantPassed:   false,
			wantCritical: []string{CheckNoDelegatecall},
			wantWarnings: []string{CheckReentrancyGuard, CheckSafeMath, CheckOwnerControls, CheckPausable},
			wantScore:    2.0 / 7.0,
		},
		{
			name:         "tx.origin 与时间戳依赖",
			source:       "pragma solidity >=0.8.0; contract A { function f() public { require(tx.origin == msg.sender); uint t = block.timestamp; } }",
			wantPassed:   false,
			wantCritical: []string{CheckNoTxOrigin},
			wantWarnings: []string{CheckReentrancyGuard, CheckOwnerControls, CheckPausable, CheckNoTimestampDepend},
			wantScore:    2.0 / 7.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SecurityChecks(tt.source)
			assert.Equal(t, tt.wantPassed, result.Passed)
			assert.Equal(t, tt.wantCritical, result.CriticalIssues)
			assert.Equal(t, tt.wantWarnings, result.Warnings)
			assert.InDelta(t, tt.wantScore, result.SecurityScore, 1e-9)
			assert.Len(t, result.Details, 7)
		})
	}
}

func TestHashContractAddress(t *testing.T) {
	upper, err := HashContractAddress("0xABCDEF0000000000000000000000000000000001")
	require.NoError(t, err)
	lower, err := HashContractAddress("abcdef0000000000000000000000000000000001")
	require.NoError(t, err)

	assert.Equal(t, upper, lower)
	assert.Len(t, upper, 64)

	_, err = HashContractAddress("")
	assert.Error(t, err)
}

func TestValidateNFTMetadata(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]interface{}
		wantErr  bool
	}{
		{"完整元数据", map[string]interface{}{"name": "a", "description": "b", "image": "ipfs://bafy"}, false},
		{"没有图片", map[string]interface{}{"name": "a", "description": "b"}, false},
		{"https 图片", map[string]interface{}{"name": "a", "description": "b", "image": "https://x/y.png"}, false},
		{"缺少描述", map[string]interface{}{"name": "a"}, true},
		{"非法图片地址", map[string]interface{}{"name": "a", "description": "b", "image": "ftp://x"}, true},
		{"图片不是字符串", map[string]interface{}{"name": "a", "description": "b", "image": 7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNFTMetadata(tt.metadata)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// fakeCompiler 返回固定产物
type fakeCompiler struct {
	result *models.CompilationResult
	err    error
	calls  int
}

func (f *fakeCompiler) Compile(ctx context.Context, source string) (*models.CompilationResult, error) {
	f.calls++
	return f.result, f.err
}

// fakeChain 内存中的节点
type fakeChain struct {
	mu             sync.Mutex
	estimate       uint64
	estimateErr    error
	pendingPolls   int
	receiptStatus  uint64
	noReceipt      bool
	supportsERC721 bool
	sent           []*types.Transaction
	lastCall       ethereum.CallMsg
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1776), nil }
func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}
func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = msg
	return f.estimate, f.estimateErr
}
func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return nil, ethereum.NotFound
	}
	tx := f.sent[len(f.sent)-1]
	receipt := &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      hash,
		GasUsed:     tx.Gas() - 5000,
		BlockNumber: big.NewInt(4242),
	}
	if tx.To() == nil {
		receipt.ContractAddress = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	}
	return receipt, nil
}
func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.supportsERC721 && len(msg.Data) >= 8 && msg.Data[4] == 0x80 {
		return common.LeftPadBytes([]byte{1}, 32), nil
	}
	return make([]byte, 32), nil
}
func (f *fakeChain) Close() {}

type fakeProvider struct {
	backend connection.Backend
	err     error
}

func (p *fakeProvider) Backend(ctx context.Context) (connection.Backend, error) {
	return p.backend, p.err
}

type memoryABIs struct {
	saved map[string]json.RawMessage
}

func (m *memoryABIs) SaveABI(address string, abi json.RawMessage) (string, error) {
	m.saved[address] = abi
	return "abis/" + address + ".json", nil
}

func testChainConfig(t *testing.T) *config.ChainConfig {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := config.GetDefaultConfig().Chain
	cfg.PrivateKey = "0x" + hex.EncodeToString(crypto.FromECDSA(key))
	cfg.ExplorerURL = "https://explorer.example/"
	cfg.NFTContractAddress = "0x00000000000000000000000000000000000000aa"
	cfg.ReceiptPollInterval = "1ms"
	cfg.DeployTimeout = "2s"
	cfg.MintTimeout = "2s"
	return cfg
}

func newTestDeployer(t *testing.T, compiler Compiler, chain *fakeChain, abis ABIWriter) (*Deployer, *config.ChainConfig) {
	dec, err := decoder.NewABIDecoder(8, logrus.New())
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := testChainConfig(t)
	return NewDeployer(compiler, &fakeProvider{backend: chain}, abis, dec, cfg, logger), cfg
}

func compiled() *models.CompilationResult {
	return &models.CompilationResult{
		ContractName:    "Vault",
		Bytecode:        "6080604052",
		ABI:             json.RawMessage(`[]`),
		CompilerVersion: "0.8.19",
	}
}

func TestDeploy_Success(t *testing.T) {
	chain := &fakeChain{estimate: 120000, pendingPolls: 2, receiptStatus: types.ReceiptStatusSuccessful, supportsERC721: true}
	abis := &memoryABIs{saved: map[string]json.RawMessage{}}
	deployer, cfg := newTestDeployer(t, &fakeCompiler{result: compiled()}, chain, abis)

	result, err := deployer.Deploy(context.Background(), bareSource, false)
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, "Vault", result.ContractName)
	assert.Equal(t, common.HexToAddress("0xc0").Hex(), result.ContractAddress)
	assert.Equal(t, uint64(120000), result.GasEstimated)
	assert.Equal(t, uint64(4242), result.BlockNumber)
	assert.Equal(t, "https://explorer.example/address/"+result.ContractAddress, result.ExplorerURL)
	assert.True(t, result.IsNFTContract)
	assert.Contains(t, abis.saved, result.ContractAddress)
	assert.Equal(t, []string{CheckReentrancyGuard, CheckSafeMath, CheckOwnerControls, CheckPausable}, result.DeploymentWarnings)

	wantHash, _ := HashContractAddress(result.ContractAddress)
	assert.Equal(t, wantHash, result.ContractHash)

	key, _ := crypto.HexToECDSA(cfg.PrivateKey[2:])
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), result.WalletAddress)

	// legacy 交易，gas = 估算 + 余量
	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, uint64(120000+10000), tx.Gas())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Nil(t, tx.To())
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, tx.Data())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1776)), tx)
	require.NoError(t, err)
	assert.Equal(t, result.WalletAddress, sender.Hex())
}

func TestDeploy_Failures(t *testing.T) {
	tests := []struct {
		name         string
		source       string
		force        bool
		compiler     *fakeCompiler
		chain        *fakeChain
		wantType     errors.ErrorType
		wantCompiled bool
		wantSecurity bool
	}{
		{
			name:         "关键检查失败且未强制",
			source:       "contract A { function f() public { require(tx.origin == msg.sender); } }",
			compiler:     &fakeCompiler{result: compiled()},
			chain:        &fakeChain{},
			wantType:     errors.ErrorTypeValidation,
			wantSecurity: true,
		},
		{
			name:         "编译失败",
			source:       bareSource,
			compiler:     &fakeCompiler{err: errors.ErrContractTooLarge.New()},
			chain:        &fakeChain{},
			wantType:     errors.ErrorTypeCompile,
			wantCompiled: true,
			wantSecurity: true,
		},
		{
			name:         "gas 超过上限",
			source:       bareSource,
			compiler:     &fakeCompiler{result: compiled()},
			chain:        &fakeChain{estimate: 5_000_001},
			wantType:     errors.ErrorTypeChain,
			wantCompiled: true,
			wantSecurity: true,
		},
		{
			name:         "估算失败",
			source:       bareSource,
			compiler:     &fakeCompiler{result: compiled()},
			chain:        &fakeChain{estimateErr: fmt.Errorf("execution reverted")},
			wantType:     errors.ErrorTypeChain,
			wantCompiled: true,
			wantSecurity: true,
		},
		{
			name:         "交易回滚",
			source:       bareSource,
			compiler:     &fakeCompiler{result: compiled()},
			chain:        &fakeChain{estimate: 100000, receiptStatus: types.ReceiptStatusFailed},
			wantType:     errors.ErrorTypeChain,
			wantCompiled: true,
			wantSecurity: true,
		},
		{
			name:         "等待回执超时",
			source:       bareSource,
			compiler:     &fakeCompiler{result: compiled()},
			chain:        &fakeChain{estimate: 100000, noReceipt: true},
			wantType:     errors.ErrorTypeTimeout,
			wantCompiled: true,
			wantSecurity: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deployer, cfg := newTestDeployer(t, tt.compiler, tt.chain, nil)
			cfg.DeployTimeout = "50ms"

			result, err := deployer.Deploy(context.Background(), tt.source, tt.force)
			require.Error(t, err)
			require.NotNil(t, result)

			assert.Equal(t, models.StatusError, result.Status)
			assert.NotEmpty(t, result.Error)
			assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
			assert.Equal(t, tt.wantSecurity, result.SecurityAnalysis != nil)
			assert.Equal(t, tt.wantCompiled, tt.compiler.calls > 0)
		})
	}
}

func TestDeploy_ForceBypassesCriticalGate(t *testing.T) {
	chain := &fakeChain{estimate: 100000, receiptStatus: types.ReceiptStatusSuccessful}
	deployer, _ := newTestDeployer(t, &fakeCompiler{result: compiled()}, chain, nil)

	result, err := deployer.Deploy(context.Background(), "contract A { function f() public { require(tx.origin == msg.sender); } }", true)
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.False(t, result.SecurityAnalysis.Passed)
	assert.False(t, result.IsNFTContract)
}

func TestDeploy_MissingKey(t *testing.T) {
	deployer, cfg := newTestDeployer(t, &fakeCompiler{result: compiled()}, &fakeChain{}, nil)
	cfg.PrivateKey = ""

	_, err := deployer.Deploy(context.Background(), bareSource, false)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestMintNFT(t *testing.T) {
	chain := &fakeChain{estimate: 80000, receiptStatus: types.ReceiptStatusSuccessful}
	deployer, cfg := newTestDeployer(t, nil, chain, nil)
	recipient := "0x857b213598ed77fb4e862fc4355c13c472b94078"

	result, err := deployer.MintNFT(context.Background(), nil, recipient, "ipfs://bafyreport")
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, common.HexToAddress(recipient).Hex(), result.Recipient)
	assert.Equal(t, common.HexToAddress(cfg.NFTContractAddress).Hex(), result.NFTContract)
	assert.Equal(t, "https://explorer.example/tx/"+result.TransactionHash, result.ExplorerURL)
	assert.Equal(t, uint64(4242), result.BlockNumber)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, common.HexToAddress(cfg.NFTContractAddress), *tx.To())
	assert.Equal(t, uint64(90000), tx.Gas())

	dec, _ := decoder.NewABIDecoder(1, logrus.New())
	sig, params, err := dec.DecodeInput(json.RawMessage(decoder.MintToUserABI), tx.Data())
	require.NoError(t, err)
	assert.Equal(t, "mintToUser(address,string)", sig)
	assert.Equal(t, "ipfs://bafyreport", params["tokenURI"])
}

func TestMintNFT_Failures(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
		mutate    func(cfg *config.ChainConfig)
		chain     *fakeChain
		wantType  errors.ErrorType
	}{
		{"接收地址无效", "not-an-address", func(cfg *config.ChainConfig) {}, &fakeChain{}, errors.ErrorTypeValidation},
		{"未配置合约", "0x857b213598ed77fb4e862fc4355c13c472b94078", func(cfg *config.ChainConfig) { cfg.NFTContractAddress = "" }, &fakeChain{}, errors.ErrorTypeConfig},
		{"gas 超限", "0x857b213598ed77fb4e862fc4355c13c472b94078", func(cfg *config.ChainConfig) {}, &fakeChain{estimate: 6_000_000}, errors.ErrorTypeChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deployer, cfg := newTestDeployer(t, nil, tt.chain, nil)
			tt.mutate(cfg)

			result, err := deployer.MintNFT(context.Background(), nil, tt.recipient, "ipfs://x")
			require.Error(t, err)
			assert.Equal(t, models.StatusError, result.Status)
			assert.NotEmpty(t, result.Error)
			assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
			assert.Empty(t, tt.chain.sent)
		})
	}
}
