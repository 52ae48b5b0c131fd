package deploy

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"auditsmart/internal/config"
	"auditsmart/internal/connection"
	"auditsmart/internal/decoder"
	"auditsmart/internal/errors"
	"auditsmart/internal/retry"
	"auditsmart/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// NFT 接口标识
var (
	InterfaceERC721  = [4]byte{0x80, 0xac, 0x58, 0xcd}
	InterfaceERC1155 = [4]byte{0xd9, 0xb6, 0x7a, 0x26}
)

// Compiler 编译接口
type Compiler interface {
	Compile(ctx context.Context, source string) (*models.CompilationResult, error)
}

// BackendProvider 提供节点连接
type BackendProvider interface {
	Backend(ctx context.Context) (connection.Backend, error)
}

// ABIWriter 保存 NFT 合约 ABI
type ABIWriter interface {
	SaveABI(address string, abi json.RawMessage) (string, error)
}

// Deployer 合约部署与 NFT 铸造
type Deployer struct {
	compiler Compiler
	provider BackendProvider
	abis     ABIWriter
	decoder  *decoder.ABIDecoder
	cfg      *config.ChainConfig
	logger   *logrus.Logger
}

// NewDeployer 创建部署器，abis 可以为空
func NewDeployer(compiler Compiler, provider BackendProvider, abis ABIWriter, dec *decoder.ABIDecoder, cfg *config.ChainConfig, logger *logrus.Logger) *Deployer {
	return &Deployer{
		compiler: compiler,
		provider: provider,
		abis:     abis,
		decoder:  dec,
		cfg:      cfg,
		logger:   logger,
	}
}

// Deploy 安全检查、编译、签名发送并等待回执。
// 总是返回结果对象，失败时同时返回错误供调用方决定状态码。
func (d *Deployer) Deploy(ctx context.Context, source string, force bool) (*models.DeploymentResult, error) {
	security := SecurityChecks(source)
	logger := d.logger.WithField("force", force)

	if !security.Passed && !force {
		err := errors.ErrCriticalSecurity.New().
			WithComponent("deploy").
			WithDetails(security.CriticalIssues)
		logger.WithField("critical_issues", security.CriticalIssues).Warn("合约未通过关键安全检查，拒绝部署")
		return failedDeployment(err, security), err
	}

	compiled, err := d.compiler.Compile(ctx, source)
	if err != nil {
		return failedDeployment(err, security), err
	}
	logger = logger.WithField("contract", compiled.ContractName)

	key, err := d.signingKey()
	if err != nil {
		return failedDeployment(err, security), err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	bytecode, err := hex.DecodeString(compiled.Bytecode)
	if err != nil {
		err = errors.ErrCompileFailed.Wrap(err).WithComponent("deploy")
		return failedDeployment(err, security), err
	}

	backend, err := d.provider.Backend(ctx)
	if err != nil {
		return failedDeployment(err, security), err
	}

	sent, err := d.sendAndWait(ctx, backend, key, nil, bytecode, d.cfg.DeployTimeoutDuration())
	if err != nil {
		logger.WithError(err).Error("合约部署失败")
		return failedDeployment(err, security), err
	}

	if sent.receipt.ContractAddress == (common.Address{}) {
		err := errors.ErrChainFailed.Wrap(fmt.Errorf("回执中没有合约地址")).
			WithComponent("deploy").
			WithContext("tx_hash", sent.hash.Hex())
		return failedDeployment(err, security), err
	}

	address := sent.receipt.ContractAddress.Hex()
	contractHash, _ := HashContractAddress(address)

	isNFT := d.isNFTContract(ctx, backend, sent.receipt.ContractAddress)
	if isNFT && d.abis != nil {
		if path, err := d.abis.SaveABI(address, compiled.ABI); err != nil {
			logger.WithError(err).Warn("保存NFT合约ABI失败")
		} else {
			logger.WithField("path", path).Info("NFT合约ABI已保存")
		}
	}

	result := &models.DeploymentResult{
		Status:           models.StatusSuccess,
		ContractName:     compiled.ContractName,
		ContractAddress:  address,
		TransactionHash:  sent.hash.Hex(),
		ContractHash:     contractHash,
		GasUsed:          sent.receipt.GasUsed,
		GasEstimated:     sent.estimate,
		BlockNumber:      blockNumber(sent.receipt),
		ExplorerURL:      d.explorerLink("address", address),
		ABI:              compiled.ABI,
		SolcVersion:      compiled.CompilerVersion,
		IsNFTContract:    isNFT,
		WalletAddress:    from.Hex(),
		SecurityAnalysis: security,
	}
	if len(security.Warnings) > 0 {
		result.DeploymentWarnings = security.Warnings
	}

	logger.WithFields(logrus.Fields{
		"address":  address,
		"tx_hash":  result.TransactionHash,
		"gas_used": result.GasUsed,
		"is_nft":   isNFT,
	}).Info("合约部署成功")

	return result, nil
}

// MintNFT 调用配置的 NFT 合约 mintToUser(address,string)，nftABI 为空时使用内置片段
func (d *Deployer) MintNFT(ctx context.Context, nftABI json.RawMessage, recipient, tokenURI string) (*models.MintResult, error) {
	result := &models.MintResult{
		Status:      models.StatusError,
		NFTContract: d.cfg.NFTContractAddress,
		Recipient:   recipient,
		TokenURI:    tokenURI,
	}
	fail := func(err error) (*models.MintResult, error) {
		result.Error = err.Error()
		return result, err
	}

	if !common.IsHexAddress(d.cfg.NFTContractAddress) {
		return fail(errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置 NFT 合约地址")).WithComponent("mint"))
	}
	if !common.IsHexAddress(recipient) {
		return fail(errors.ErrInvalidInput.Wrap(fmt.Errorf("无效的接收地址: %s", recipient)).WithComponent("mint"))
	}
	contract := common.HexToAddress(d.cfg.NFTContractAddress)
	to := common.HexToAddress(recipient)
	result.NFTContract = contract.Hex()
	result.Recipient = to.Hex()

	if len(nftABI) == 0 || !d.decoder.HasMethod(nftABI, "mintToUser") {
		nftABI = json.RawMessage(decoder.MintToUserABI)
	}
	data, err := d.decoder.Pack(nftABI, "mintToUser", to, tokenURI)
	if err != nil {
		return fail(errors.ErrInvalidInput.Wrap(err).WithComponent("mint"))
	}

	key, err := d.signingKey()
	if err != nil {
		return fail(err)
	}
	backend, err := d.provider.Backend(ctx)
	if err != nil {
		return fail(err)
	}

	if sig, params, err := d.decoder.DecodeInput(nftABI, data); err == nil {
		d.logger.WithFields(logrus.Fields{"method": sig, "params": params}).Debug("发送铸造交易")
	}

	sent, err := d.sendAndWait(ctx, backend, key, &contract, data, d.cfg.MintTimeoutDuration())
	if err != nil {
		d.logger.WithError(err).WithField("recipient", result.Recipient).Error("NFT铸造失败")
		return fail(err)
	}

	result.Status = models.StatusSuccess
	result.TransactionHash = sent.hash.Hex()
	result.BlockNumber = blockNumber(sent.receipt)
	result.GasUsed = sent.receipt.GasUsed
	result.ExplorerURL = d.explorerLink("tx", result.TransactionHash)

	d.logger.WithFields(logrus.Fields{
		"tx_hash":   result.TransactionHash,
		"recipient": result.Recipient,
		"token_uri": tokenURI,
	}).Info("NFT铸造成功")
	return result, nil
}

type sentTx struct {
	hash     common.Hash
	estimate uint64
	receipt  *types.Receipt
}

// sendAndWait 估算 gas、签名 legacy 交易、发送并轮询回执。to 为空时是合约创建。
func (d *Deployer) sendAndWait(ctx context.Context, backend connection.Backend, key *ecdsa.PrivateKey, to *common.Address, data []byte, timeout time.Duration) (*sentTx, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, chainError("查询链ID失败", err)
	}
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, chainError("查询nonce失败", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, chainError("查询gas价格失败", err)
	}

	estimate, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return nil, chainError("估算gas失败", err)
	}
	if estimate > d.cfg.MaxGasLimit {
		return nil, errors.ErrGasLimitExceeded.New().
			WithComponent("deploy").
			WithContext("estimate", estimate).
			WithContext("limit", d.cfg.MaxGasLimit)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      estimate + d.cfg.GasHeadroom,
		To:       to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, chainError("签名交易失败", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, chainError("发送交易失败", err)
	}

	hash := signed.Hash()
	d.logger.WithFields(logrus.Fields{
		"tx_hash":  hash.Hex(),
		"nonce":    nonce,
		"estimate": estimate,
	}).Info("交易已发送，等待回执")

	receipt, err := d.waitReceipt(ctx, backend, hash, timeout)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errors.ErrChainFailed.Wrap(fmt.Errorf("交易执行失败")).
			WithComponent("deploy").
			WithContext("tx_hash", hash.Hex())
	}

	return &sentTx{hash: hash, estimate: estimate, receipt: receipt}, nil
}

// waitReceipt 轮询回执直到出现或超时
func (d *Deployer) waitReceipt(ctx context.Context, backend connection.Backend, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	var receipt *types.Receipt
	poller := retry.NewPoller(retry.ReceiptPollConfig(d.cfg.ReceiptPollIntervalDuration(), timeout), d.logger)

	err := poller.Poll(ctx, "交易回执 "+hash.Hex(), func(ctx context.Context) (bool, error) {
		r, err := backend.TransactionReceipt(ctx, hash)
		if stderrors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		receipt = r
		return true, nil
	})
	if stderrors.Is(err, retry.ErrPollTimeout) {
		return nil, errors.ErrReceiptTimeout.New().
			WithComponent("deploy").
			WithContext("tx_hash", hash.Hex()).
			WithContext("timeout", timeout.String())
	}
	if err != nil {
		return nil, chainError("查询回执失败", err)
	}
	return receipt, nil
}

// isNFTContract 通过 supportsInterface 判断是否为 ERC721/ERC1155，调用失败视为否
func (d *Deployer) isNFTContract(ctx context.Context, backend connection.Backend, address common.Address) bool {
	raw := json.RawMessage(decoder.ERC165ABI)
	for _, id := range [][4]byte{InterfaceERC721, InterfaceERC1155} {
		data, err := d.decoder.Pack(raw, "supportsInterface", id)
		if err != nil {
			return false
		}
		out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data}, nil)
		if err != nil {
			continue
		}
		if ok, err := d.decoder.UnpackBool(raw, "supportsInterface", out); err == nil && ok {
			return true
		}
	}
	return false
}

// signingKey 解析配置中的私钥
func (d *Deployer) signingKey() (*ecdsa.PrivateKey, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(d.cfg.PrivateKey), "0x")
	if hexKey == "" {
		return nil, errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置 PRIVATE_KEY")).WithComponent("deploy")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.ErrConfigInvalid.Wrap(fmt.Errorf("私钥格式无效")).WithComponent("deploy")
	}
	return key, nil
}

func (d *Deployer) explorerLink(kind, value string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(d.cfg.ExplorerURL, "/"), kind, value)
}

func chainError(message string, err error) *errors.AuditError {
	return errors.ErrChainFailed.Wrap(fmt.Errorf("%s: %w", message, err)).WithComponent("deploy")
}

func failedDeployment(err error, security *models.SecurityAnalysis) *models.DeploymentResult {
	return &models.DeploymentResult{
		Status:           models.StatusError,
		Error:            err.Error(),
		SecurityAnalysis: security,
	}
}

func blockNumber(r *types.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}
