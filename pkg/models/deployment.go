package models

import (
	"encoding/json"
)

// 操作状态
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DeploymentResult 部署结果，成功或失败都会返回
type DeploymentResult struct {
	Status             string            `json:"status"`
	ContractName       string            `json:"contract_name,omitempty"`
	ContractAddress    string            `json:"contract_address,omitempty"`
	TransactionHash    string            `json:"transaction_hash,omitempty"`
	ContractHash       string            `json:"contract_hash,omitempty"`
	GasUsed            uint64            `json:"gas_used,omitempty"`
	GasEstimated       uint64            `json:"gas_estimated,omitempty"`
	BlockNumber        uint64            `json:"block_number,omitempty"`
	ExplorerURL        string            `json:"explorer_url,omitempty"`
	ABI                json.RawMessage   `json:"abi,omitempty"`
	SolcVersion        string            `json:"solc_version,omitempty"`
	IsNFTContract      bool              `json:"is_nft_contract"`
	WalletAddress      string            `json:"wallet_address,omitempty"`
	SecurityAnalysis   *SecurityAnalysis `json:"security_analysis,omitempty"`
	DeploymentWarnings []string          `json:"deployment_warnings,omitempty"`
	Error              string            `json:"error,omitempty"`
}

// Succeeded 是否部署成功
func (d *DeploymentResult) Succeeded() bool {
	return d != nil && d.Status == StatusSuccess
}

// MintResult NFT 铸造结果
type MintResult struct {
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	NFTContract     string `json:"nft_contract,omitempty"`
	Recipient       string `json:"recipient,omitempty"`
	TokenURI        string `json:"token_uri,omitempty"`
	ExplorerURL     string `json:"explorer_url,omitempty"`
	Error           string `json:"error,omitempty"`
}

// DeployRequest 部署请求，源码和文件名二选一
type DeployRequest struct {
	Source   string `json:"source" validate:"required_without=FileName"`
	FileName string `json:"file_name" validate:"required_without=Source"`
	Force    bool   `json:"force"`
}

// MintRequest 铸造请求
type MintRequest struct {
	Recipient string `json:"recipient" validate:"required,eth_addr"`
	TokenURI  string `json:"token_uri" validate:"required,token_uri"`
}

// DeployedAuditRequest 已部署合约审计请求
type DeployedAuditRequest struct {
	Address string `json:"address"`
}
