package models

import (
	"encoding/json"
	"time"
)

// 事件类型
const (
	EventAuditCompleted   = "audit.completed"
	EventContractDeployed = "contract.deployed"
	EventNFTMinted        = "nft.minted"
)

// AuditEvent 推送到消息队列的事件
type AuditEvent struct {
	Type              string            `json:"type"`
	AuditID           string            `json:"audit_id,omitempty"`
	ContractName      string            `json:"contract_name,omitempty"`
	CodeHash          string            `json:"code_hash,omitempty"`
	RiskScore         float64           `json:"overall_risk_score"`
	SeverityBreakdown SeverityBreakdown `json:"severity_breakdown"`
	OriginalURI       string            `json:"original_uri,omitempty"`
	FixedURI          string            `json:"fixed_uri,omitempty"`
	ReportURI         string            `json:"report_uri,omitempty"`
	DeploymentReady   bool              `json:"deployment_ready"`
	WalletAddress     string            `json:"wallet_address,omitempty"`
	ContractAddress   string            `json:"contract_address,omitempty"`
	TransactionHash   string            `json:"transaction_hash,omitempty"`
	TokenURI          string            `json:"token_uri,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Key 消息分区键
func (e *AuditEvent) Key() string {
	if e.AuditID != "" {
		return e.AuditID
	}
	if e.ContractAddress != "" {
		return e.ContractAddress
	}
	return e.TransactionHash
}

// ToKafkaMessage 转换为 Kafka 消息格式
func (e *AuditEvent) ToKafkaMessage() ([]byte, error) {
	return json.Marshal(e)
}
