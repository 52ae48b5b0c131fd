package errors

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *AuditError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *AuditError)

// ThresholdConfig 某类错误在窗口内允许出现的次数，超过后告警，冷却期内不重复告警
type ThresholdConfig struct {
	MaxErrors      int           `json:"max_errors"`
	Window         time.Duration `json:"window"`
	CooldownPeriod time.Duration `json:"cooldown_period"`
}

// ErrorHandler 统一处理 API 和流水线上报的错误
type ErrorHandler struct {
	logger *logrus.Logger

	mu         sync.RWMutex
	stats      *ErrorStats
	strategies map[ErrorType]ErrorStrategy
	fallback   ErrorStrategy
	callbacks  []ErrorCallback
	thresholds map[ErrorType]ThresholdConfig
	occurred   map[ErrorType][]time.Time
	warnedAt   map[ErrorType]time.Time

	now func() time.Time
}

// 外部依赖出错最容易成片出现，阈值收得更紧
var defaultThresholds = map[ErrorType]ThresholdConfig{
	ErrorTypeLLM:      {MaxErrors: 20, Window: 10 * time.Minute, CooldownPeriod: 15 * time.Minute},
	ErrorTypePin:      {MaxErrors: 20, Window: 10 * time.Minute, CooldownPeriod: 15 * time.Minute},
	ErrorTypeChain:    {MaxErrors: 10, Window: 10 * time.Minute, CooldownPeriod: 30 * time.Minute},
	ErrorTypeStore:    {MaxErrors: 5, Window: 5 * time.Minute, CooldownPeriod: 30 * time.Minute},
	ErrorTypeKafka:    {MaxErrors: 10, Window: 5 * time.Minute, CooldownPeriod: 30 * time.Minute},
	ErrorTypeAnalyzer: {MaxErrors: 50, Window: time.Hour, CooldownPeriod: time.Hour},
	ErrorTypeConfig:   {MaxErrors: 1, Window: time.Hour, CooldownPeriod: time.Hour},
}

// NewErrorHandler 创建错误处理器，默认所有类型只记日志
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		fallback:   NewLoggingStrategy(logger),
		thresholds: make(map[ErrorType]ThresholdConfig, len(defaultThresholds)),
		occurred:   make(map[ErrorType][]time.Time),
		warnedAt:   make(map[ErrorType]time.Time),
		now:        time.Now,
	}
	for errorType, threshold := range defaultThresholds {
		eh.thresholds[errorType] = threshold
	}
	return eh
}

// HandleError 记录并分发错误，返回规范化后的 AuditError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *AuditError {
	if err == nil {
		return nil
	}

	auditErr, ok := As(err)
	if !ok {
		auditErr = WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(auditErr)
	exceeded, count := eh.trackLocked(auditErr.Type)
	strategy, exists := eh.strategies[auditErr.Type]
	callbacks := append([]ErrorCallback(nil), eh.callbacks...)
	eh.mu.Unlock()

	if exceeded {
		eh.logger.WithFields(logrus.Fields{
			"error_type": auditErr.Type.String(),
			"count":      count,
		}).Warn("同类错误超过阈值，请检查对应的外部服务")
	}

	for _, cb := range callbacks {
		go eh.runCallback(cb, auditErr)
	}

	if !exists {
		strategy = eh.fallback
	}
	_ = strategy.Handle(ctx, auditErr)

	return auditErr
}

// trackLocked 记录发生时间，返回是否需要告警和窗口内次数
func (eh *ErrorHandler) trackLocked(errorType ErrorType) (bool, int) {
	threshold, ok := eh.thresholds[errorType]
	if !ok || threshold.MaxErrors <= 0 {
		return false, 0
	}

	now := eh.now()
	cutoff := now.Add(-threshold.Window)
	times := eh.occurred[errorType]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	eh.occurred[errorType] = kept

	if len(kept) <= threshold.MaxErrors {
		return false, len(kept)
	}
	if last, warned := eh.warnedAt[errorType]; warned && now.Sub(last) < threshold.CooldownPeriod {
		return false, len(kept)
	}
	eh.warnedAt[errorType] = now
	return true, len(kept)
}

func (eh *ErrorHandler) runCallback(cb ErrorCallback, err *AuditError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// AddCallback 添加错误回调，回调异步执行
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置某类错误的处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// SetThreshold 设置某类错误的告警阈值，MaxErrors 为 0 表示不告警
func (eh *ErrorHandler) SetThreshold(errorType ErrorType, config ThresholdConfig) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.thresholds[errorType] = config
	delete(eh.warnedAt, errorType)
}

// GetStats 获取错误统计快照
func (eh *ErrorHandler) GetStats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.Copy()
}

// ClearStats 清除统计和阈值计数
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
	eh.occurred = make(map[ErrorType][]time.Time)
	eh.warnedAt = make(map[ErrorType]time.Time)
}

// LoggingStrategy 按严重级别写日志
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewLoggingStrategy 创建日志策略
func NewLoggingStrategy(logger *logrus.Logger) *LoggingStrategy {
	return &LoggingStrategy{logger: logger}
}

// Handle 客户端错误记 debug，依赖故障记 warn 以上
func (ls *LoggingStrategy) Handle(_ context.Context, err *AuditError) error {
	entry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"retryable":  err.Retryable,
	})
	if err.Component != "" {
		entry = entry.WithField("component", err.Component)
	}
	if len(err.Context) > 0 {
		entry = entry.WithField("context", err.Context)
	}
	if err.Cause != nil {
		entry = entry.WithField("cause", err.Cause.Error())
	}

	switch {
	case err.Type == ErrorTypePolicyDenied || err.Type == ErrorTypeValidation:
		entry.Debug(err.Message)
	case err.Severity <= SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
	return err
}

// AlertStrategy 异步调用告警函数
type AlertStrategy struct {
	alertFunc func(err *AuditError)
	logger    *logrus.Logger
}

// NewAlertStrategy 创建告警策略
func NewAlertStrategy(alertFunc func(err *AuditError), logger *logrus.Logger) *AlertStrategy {
	return &AlertStrategy{alertFunc: alertFunc, logger: logger}
}

// Handle 异步执行告警
func (as *AlertStrategy) Handle(_ context.Context, err *AuditError) error {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				as.logger.Errorf("告警函数执行时发生panic: %v", r)
			}
		}()
		as.alertFunc(err)
	}()
	return err
}

// CompositeStrategy 依次执行多个策略
type CompositeStrategy struct {
	strategies []ErrorStrategy
}

// NewCompositeStrategy 创建组合策略
func NewCompositeStrategy(strategies ...ErrorStrategy) *CompositeStrategy {
	return &CompositeStrategy{strategies: strategies}
}

// Handle 返回最后一个非空错误
func (cs *CompositeStrategy) Handle(ctx context.Context, err *AuditError) error {
	var lastErr error
	for _, strategy := range cs.strategies {
		if strategyErr := strategy.Handle(ctx, err); strategyErr != nil {
			lastErr = strategyErr
		}
	}
	return lastErr
}
