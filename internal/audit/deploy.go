package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"auditsmart/internal/errors"
	"auditsmart/pkg/models"
)

// Deploy 部署合约，成功后发布 contract.deployed 事件
//
// 超过大小上限或未通过关键安全检查时直接返回错误，结果对象仍然非空。
func (o *Orchestrator) Deploy(ctx context.Context, source string, force bool) (*models.DeploymentResult, error) {
	if o.deps.Deployer == nil {
		err := errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置部署器")).WithComponent("audit")
		return &models.DeploymentResult{Status: models.StatusError, Error: err.Error()}, err
	}
	if strings.TrimSpace(source) == "" {
		err := errors.ErrEmptySource.New().WithComponent("audit")
		return &models.DeploymentResult{Status: models.StatusError, Error: err.Error()}, err
	}

	deployed := runStage(ctx, o, StageDeploy, func(ctx context.Context) (*models.DeploymentResult, error) {
		return o.deps.Deployer.Deploy(ctx, source, force)
	})
	if deployed.Err != nil {
		return deployed.Value, deployed.Err
	}

	result := deployed.Value
	o.publish(ctx, &models.AuditEvent{
		Type:            models.EventContractDeployed,
		ContractName:    result.ContractName,
		ContractAddress: result.ContractAddress,
		TransactionHash: result.TransactionHash,
		WalletAddress:   strings.ToLower(result.WalletAddress),
		Timestamp:       o.now(),
	})
	return result, nil
}

// Mint 铸造审计 NFT，成功后发布 nft.minted 事件
func (o *Orchestrator) Mint(ctx context.Context, nftABI json.RawMessage, recipient, tokenURI string) (*models.MintResult, error) {
	if o.deps.Deployer == nil {
		return nil, errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置部署器")).WithComponent("audit")
	}

	minted := runStage(ctx, o, StageMint, func(ctx context.Context) (*models.MintResult, error) {
		return o.deps.Deployer.MintNFT(ctx, nftABI, recipient, tokenURI)
	})
	if minted.Err != nil {
		return minted.Value, minted.Err
	}

	result := minted.Value
	o.publish(ctx, &models.AuditEvent{
		Type:            models.EventNFTMinted,
		ContractAddress: result.NFTContract,
		TransactionHash: result.TransactionHash,
		WalletAddress:   strings.ToLower(result.Recipient),
		TokenURI:        result.TokenURI,
		Timestamp:       o.now(),
	})
	return result, nil
}

// publish 发布失败只记日志
func (o *Orchestrator) publish(ctx context.Context, event *models.AuditEvent) {
	if o.deps.Publisher == nil {
		return
	}
	runStage(ctx, o, StagePublish, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Publisher.Publish(ctx, event)
	})
}
