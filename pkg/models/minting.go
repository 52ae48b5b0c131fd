package models

import (
	"encoding/json"
	"strings"
	"time"
)

// MintingReport NFT 铸造记录，(transaction_hash, token_id) 唯一
type MintingReport struct {
	ID              string          `json:"id,omitempty"`
	Metadata        json.RawMessage `json:"metadata" validate:"required"`
	TokenID         string          `json:"token_id" validate:"required"`
	TokenURI        string          `json:"token_uri" validate:"required"`
	NFTContract     string          `json:"nft_contract" validate:"required,eth_addr"`
	TransactionHash string          `json:"transaction_hash" validate:"required,tx_hash"`
	BlockNumber     uint64          `json:"block_number"`
	GasUsed         uint64          `json:"gas_used"`
	Recipient       string          `json:"recipient" validate:"required,eth_addr"`
	CreatedAt       time.Time       `json:"created_at,omitempty"`
}

// Normalize 地址统一小写
func (r *MintingReport) Normalize() {
	r.Recipient = strings.ToLower(strings.TrimSpace(r.Recipient))
	r.NFTContract = strings.TrimSpace(r.NFTContract)
	r.TransactionHash = strings.TrimSpace(r.TransactionHash)
}

// AuditRecord 审计记录，(code_hash, report_uri) 唯一
type AuditRecord struct {
	ID                string            `json:"id,omitempty"`
	AuditID           string            `json:"audit_id"`
	ContractName      string            `json:"contract_name"`
	CodeHash          string            `json:"code_hash"`
	ReportURI         string            `json:"report_uri"`
	OriginalURI       string            `json:"original_uri,omitempty"`
	FixedURI          string            `json:"fixed_uri,omitempty"`
	RiskScore         float64           `json:"overall_risk_score"`
	SeverityBreakdown SeverityBreakdown `json:"severity_breakdown"`
	WalletAddress     string            `json:"wallet_address,omitempty"`
	DeploymentReady   bool              `json:"deployment_ready"`
	CreatedAt         time.Time         `json:"created_at,omitempty"`
}
