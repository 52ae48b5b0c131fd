package models

import (
	"time"
)

// WalletUsage 钱包使用日志条目
type WalletUsage struct {
	Wallet    string    `json:"wallet"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageDocument 钱包限流持久化文档
type UsageDocument struct {
	Registry map[string]time.Time `json:"wallet_audit_registry"`
	UsageLog []WalletUsage        `json:"wallet_usage_log"`
}

// NewUsageDocument 创建空文档
func NewUsageDocument() *UsageDocument {
	return &UsageDocument{
		Registry: make(map[string]time.Time),
		UsageLog: []WalletUsage{},
	}
}

// Prune 删除窗口之外的日志条目
func (d *UsageDocument) Prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := d.UsageLog[:0]
	for _, u := range d.UsageLog {
		if u.Timestamp.After(cutoff) {
			kept = append(kept, u)
		}
	}
	d.UsageLog = kept
}

// UniqueWallets 窗口内去重钱包集合
func (d *UsageDocument) UniqueWallets(now time.Time, window time.Duration) map[string]struct{} {
	cutoff := now.Add(-window)
	set := make(map[string]struct{})
	for _, u := range d.UsageLog {
		if u.Timestamp.After(cutoff) {
			set[u.Wallet] = struct{}{}
		}
	}
	return set
}

// WalletSnapshot 钱包使用快照
type WalletSnapshot struct {
	Registry      []string      `json:"audited_wallets"`
	UsageLog      []WalletUsage `json:"recent_usage"`
	UniqueInDay   int           `json:"unique_wallets_24h"`
	DailyCap      int           `json:"daily_cap"`
	Whitelisted   []string      `json:"whitelisted"`
	RemainingSlot int           `json:"remaining_slots"`
}
