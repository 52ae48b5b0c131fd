package ratelimit

import (
	"context"
	"sort"
	"strings"
	"time"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/pkg/models"

	"github.com/sirupsen/logrus"
)

// 返回给客户端的原因文本
const (
	ReasonWhitelisted   = "Wallet is whitelisted. Unlimited audits allowed."
	ReasonAllowed       = "Audit allowed."
	ReasonTrialExceeded = "You have already used your free audit within the last 24 hours."
	ReasonDailyLimit    = "Daily audit limit reached. Please try again tomorrow."
)

// Decision 限流判定结果
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason"`
	Whitelisted    bool   `json:"whitelisted"`
	RemainingSlots int    `json:"remaining_slots"`
}

// DenialError 拒绝时对应的错误，允许时为 nil
func (d Decision) DenialError() *errors.AuditError {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonDailyLimit:
		return errors.ErrDailyLimitReached.New()
	default:
		return errors.ErrTrialExceeded.New()
	}
}

// Limiter 钱包限流器
type Limiter struct {
	store     Store
	whitelist map[string]struct{}
	dailyCap  int
	window    time.Duration
	now       func() time.Time
	logger    *logrus.Logger
}

// NewLimiter 创建限流器
func NewLimiter(store Store, cfg *config.RateLimitConfig, logger *logrus.Logger) *Limiter {
	whitelist := make(map[string]struct{})
	for _, w := range cfg.NormalizedWhitelist() {
		whitelist[w] = struct{}{}
	}
	return &Limiter{
		store:     store,
		whitelist: whitelist,
		dailyCap:  cfg.DailyCap,
		window:    cfg.WindowDuration(),
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock 替换时钟
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// IsWhitelisted 是否白名单钱包
func (l *Limiter) IsWhitelisted(identity string) bool {
	_, ok := l.whitelist[normalize(identity)]
	return ok
}

// CheckAndRegister 检查并登记一次审计请求
//
// 判定顺序：白名单、24小时内已使用、窗口内去重钱包数达到上限、登记。
// 后三步在同一个存储事务内完成。
func (l *Limiter) CheckAndRegister(ctx context.Context, identity string) (Decision, error) {
	wallet := normalize(identity)
	if wallet == "" {
		return Decision{}, errors.ErrEmptyIdentity.New().WithComponent("ratelimit")
	}

	if l.IsWhitelisted(wallet) {
		return Decision{Allowed: true, Reason: ReasonWhitelisted, Whitelisted: true, RemainingSlots: -1}, nil
	}

	var decision Decision
	err := l.store.Update(ctx, func(doc *models.UsageDocument) error {
		now := l.now()
		cutoff := now.Add(-l.window)

		if last, ok := doc.Registry[wallet]; ok && last.After(cutoff) {
			decision = Decision{Allowed: false, Reason: ReasonTrialExceeded}
			return ErrNoChange
		}

		unique := doc.UniqueWallets(now, l.window)
		if _, seen := unique[wallet]; !seen && len(unique) >= l.dailyCap {
			decision = Decision{Allowed: false, Reason: ReasonDailyLimit}
			return ErrNoChange
		}

		doc.Registry[wallet] = now
		doc.UsageLog = append(doc.UsageLog, models.WalletUsage{Wallet: wallet, Timestamp: now})
		doc.Prune(now, l.window)

		remaining := l.dailyCap - len(doc.UniqueWallets(now, l.window))
		if remaining < 0 {
			remaining = 0
		}
		decision = Decision{Allowed: true, Reason: ReasonAllowed, RemainingSlots: remaining}
		return nil
	})
	if err != nil {
		return Decision{}, errors.ErrStoreFailed.Wrap(err).WithComponent("ratelimit")
	}

	l.logger.WithFields(logrus.Fields{
		"wallet":  wallet,
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
	}).Debug("钱包限流判定")

	return decision, nil
}

// Snapshot 当前钱包使用情况
func (l *Limiter) Snapshot(ctx context.Context) (*models.WalletSnapshot, error) {
	snapshot := &models.WalletSnapshot{DailyCap: l.dailyCap}
	err := l.store.View(ctx, func(doc *models.UsageDocument) error {
		now := l.now()
		doc.Prune(now, l.window)

		snapshot.Registry = make([]string, 0, len(doc.Registry))
		for wallet := range doc.Registry {
			snapshot.Registry = append(snapshot.Registry, wallet)
		}
		sort.Strings(snapshot.Registry)
		snapshot.UsageLog = doc.UsageLog
		snapshot.UniqueInDay = len(doc.UniqueWallets(now, l.window))
		return nil
	})
	if err != nil {
		return nil, errors.ErrStoreFailed.Wrap(err).WithComponent("ratelimit")
	}

	snapshot.Whitelisted = make([]string, 0, len(l.whitelist))
	for wallet := range l.whitelist {
		snapshot.Whitelisted = append(snapshot.Whitelisted, wallet)
	}
	sort.Strings(snapshot.Whitelisted)

	snapshot.RemainingSlot = l.dailyCap - snapshot.UniqueInDay
	if snapshot.RemainingSlot < 0 {
		snapshot.RemainingSlot = 0
	}
	return snapshot, nil
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
