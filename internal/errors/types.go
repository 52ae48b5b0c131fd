package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 审计流水线错误
	ErrorTypePolicyDenied ErrorType = iota
	ErrorTypeCompile
	ErrorTypeAnalyzer
	ErrorTypeLLM
	ErrorTypePin
	ErrorTypeStore
	ErrorTypeChain
	ErrorTypeValidation

	// 通用错误
	ErrorTypeConfig
	ErrorTypeSystem
	ErrorTypeTimeout
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// AuditError 自定义错误类型
type AuditError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   interface{}            `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
}

// Error 实现error接口
func (e *AuditError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *AuditError) Unwrap() error {
	return e.Cause
}

// IsRetryable 调用方是否可以自行重试，流水线本身从不重试
func (e *AuditError) IsRetryable() bool {
	return e.Retryable
}

// HTTPStatus 对应的 HTTP 状态码
func (e *AuditError) HTTPStatus() int {
	return e.Type.HTTPStatus()
}

// WithContext 添加上下文信息
func (e *AuditError) WithContext(key string, value interface{}) *AuditError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置组件名
func (e *AuditError) WithComponent(component string) *AuditError {
	e.Component = component
	return e
}

// WithDetails 设置详情
func (e *AuditError) WithDetails(details interface{}) *AuditError {
	e.Details = details
	return e
}

// New 基于预定义错误复制一个新实例，避免修改共享值
func (e *AuditError) New() *AuditError {
	clone := *e
	clone.Timestamp = time.Now()
	clone.Context = nil
	return &clone
}

// Wrap 基于预定义错误包装底层错误
func (e *AuditError) Wrap(cause error) *AuditError {
	clone := e.New()
	clone.Cause = cause
	return clone
}

// Is 同类型同错误码视为相等，使 errors.Is 可以匹配预定义错误
func (e *AuditError) Is(target error) bool {
	t, ok := target.(*AuditError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// NewAuditError 创建新的错误
func NewAuditError(errorType ErrorType, severity ErrorSeverity, code, message string) *AuditError {
	return &AuditError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *AuditError {
	return &AuditError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// As 取出错误链中的 AuditError
func As(err error) (*AuditError, bool) {
	var ae *AuditError
	if stderrors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsType 判断错误链中是否有指定类型的 AuditError
func IsType(err error, errorType ErrorType) bool {
	ae, ok := As(err)
	return ok && ae.Type == errorType
}

// determineRetryable 根据错误类型判断调用方是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTimeout, ErrorTypeChain, ErrorTypeKafka, ErrorTypeStore:
		return true
	case ErrorTypeLLM, ErrorTypePin:
		return true
	default:
		return false
	}
}

// 预定义错误
var (
	// 限流
	ErrTrialExceeded = NewAuditError(
		ErrorTypePolicyDenied,
		SeverityLow,
		"TRIAL_EXCEEDED",
		"You have already used your free audit within the last 24 hours.",
	)

	ErrDailyLimitReached = NewAuditError(
		ErrorTypePolicyDenied,
		SeverityLow,
		"DAILY_LIMIT_REACHED",
		"Daily audit limit reached. Please try again tomorrow.",
	)

	// 输入校验
	ErrEmptySource = NewAuditError(
		ErrorTypeValidation,
		SeverityLow,
		"EMPTY_SOURCE",
		"合约源码为空",
	)

	ErrEmptyIdentity = NewAuditError(
		ErrorTypeValidation,
		SeverityLow,
		"EMPTY_IDENTITY",
		"钱包地址为空",
	)

	ErrInvalidInput = NewAuditError(
		ErrorTypeValidation,
		SeverityLow,
		"INVALID_INPUT",
		"输入参数无效",
	)

	// 编译
	ErrVersionUnavailable = NewAuditError(
		ErrorTypeCompile,
		SeverityMedium,
		"VERSION_UNAVAILABLE",
		"编译器版本不可用",
	)

	ErrCompileFailed = NewAuditError(
		ErrorTypeCompile,
		SeverityMedium,
		"COMPILE_FAILED",
		"合约编译失败",
	)

	ErrEmptyBytecode = NewAuditError(
		ErrorTypeCompile,
		SeverityMedium,
		"EMPTY_BYTECODE",
		"编译输出没有合约或字节码为空",
	)

	ErrContractTooLarge = NewAuditError(
		ErrorTypeCompile,
		SeverityHigh,
		"CONTRACT_TOO_LARGE",
		"合约字节码超过大小上限",
	)

	// 分析器
	ErrAnalyzerFailed = NewAuditError(
		ErrorTypeAnalyzer,
		SeverityMedium,
		"ANALYZER_FAILED",
		"静态分析器执行失败",
	)

	ErrAnalyzerOutput = NewAuditError(
		ErrorTypeAnalyzer,
		SeverityMedium,
		"ANALYZER_BAD_OUTPUT",
		"静态分析器输出无法解析",
	)

	// 大模型
	ErrLLMRequestFailed = NewAuditError(
		ErrorTypeLLM,
		SeverityMedium,
		"LLM_REQUEST_FAILED",
		"大模型请求失败",
	)

	ErrFixedContractInvalid = NewAuditError(
		ErrorTypeValidation,
		SeverityMedium,
		"FIXED_CONTRACT_INVALID",
		"修复后的合约缺少版本指令或合约声明",
	)

	// 存储
	ErrPinFailed = NewAuditError(
		ErrorTypePin,
		SeverityMedium,
		"PIN_FAILED",
		"IPFS固定失败",
	)

	ErrStoreFailed = NewAuditError(
		ErrorTypeStore,
		SeverityHigh,
		"STORE_FAILED",
		"数据库操作失败",
	)

	// 区块链
	ErrCriticalSecurity = NewAuditError(
		ErrorTypeValidation,
		SeverityHigh,
		"CRITICAL_SECURITY_ISSUE",
		"合约未通过关键安全检查",
	)

	ErrChainFailed = NewAuditError(
		ErrorTypeChain,
		SeverityHigh,
		"CHAIN_FAILED",
		"链上操作失败",
	)

	ErrGasLimitExceeded = NewAuditError(
		ErrorTypeChain,
		SeverityHigh,
		"GAS_LIMIT_EXCEEDED",
		"预估Gas超过上限",
	)

	ErrReceiptTimeout = NewAuditError(
		ErrorTypeTimeout,
		SeverityHigh,
		"RECEIPT_TIMEOUT",
		"等待交易回执超时",
	)

	// 系统
	ErrConfigInvalid = NewAuditError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrKafkaProduceFailed = NewAuditError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypePolicyDenied: "PolicyDenied",
	ErrorTypeCompile:      "Compile",
	ErrorTypeAnalyzer:     "Analyzer",
	ErrorTypeLLM:          "LLM",
	ErrorTypePin:          "Pin",
	ErrorTypeStore:        "Store",
	ErrorTypeChain:        "Chain",
	ErrorTypeValidation:   "Validation",
	ErrorTypeConfig:       "Config",
	ErrorTypeSystem:       "System",
	ErrorTypeTimeout:      "Timeout",
	ErrorTypeKafka:        "Kafka",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// HTTPStatus 错误类型到 HTTP 状态码的映射
func (et ErrorType) HTTPStatus() int {
	switch et {
	case ErrorTypePolicyDenied:
		return http.StatusForbidden
	case ErrorTypeValidation, ErrorTypeCompile:
		return http.StatusBadRequest
	case ErrorTypeChain:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int            `json:"total_errors"`
	ErrorsByType      map[string]int `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int `json:"errors_by_component"`
	RecentErrors      []*AuditError  `json:"recent_errors"`
	LastError         *AuditError    `json:"last_error"`
	LastErrorTime     time.Time      `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*AuditError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *AuditError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// Copy 复制统计快照
func (es *ErrorStats) Copy() *ErrorStats {
	out := NewErrorStats()
	out.TotalErrors = es.TotalErrors
	for k, v := range es.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	for k, v := range es.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	for k, v := range es.ErrorsByComponent {
		out.ErrorsByComponent[k] = v
	}
	out.RecentErrors = append(out.RecentErrors, es.RecentErrors...)
	out.LastError = es.LastError
	out.LastErrorTime = es.LastErrorTime
	return out
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
