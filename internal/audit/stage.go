package audit

import (
	"context"
	"time"

	"auditsmart/internal/errors"
	"auditsmart/internal/logging"
	"auditsmart/internal/metrics"

	"github.com/sirupsen/logrus"
)

// 流水线阶段名
const (
	StageStaticAnalysis  = "static_analysis"
	StageDescription     = "description"
	StageLLMScan         = "llm_scan"
	StageSecuritySummary = "security_summary"
	StageRemediation     = "remediation"
	StageChangeSummary   = "change_summary"
	StagePinOriginal     = "pin_original"
	StagePinFixed        = "pin_fixed"
	StagePinReport       = "pin_report"
	StageSecurityChecks  = "security_checks"
	StageArchive         = "archive"
	StagePublish         = "publish"
	StageRecord          = "record"
	StageDeploy          = "deploy"
	StageMint            = "mint"
)

// 阶段状态
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// 阶段对应的外部服务，用于外部调用指标
var stageServices = map[string]string{
	StageStaticAnalysis:  "analyzer",
	StageDescription:     "llm",
	StageLLMScan:         "llm",
	StageSecuritySummary: "llm",
	StageRemediation:     "llm",
	StageChangeSummary:   "llm",
	StagePinOriginal:     "pin",
	StagePinFixed:        "pin",
	StagePinReport:       "pin",
	StagePublish:         "publisher",
	StageRecord:          "store",
	StageDeploy:          "chain",
	StageMint:            "chain",
}

// StageResult 单个阶段的结果
type StageResult[T any] struct {
	Value    T
	Err      error
	Skipped  bool
	Duration time.Duration
}

// OK 阶段执行且成功
func (r StageResult[T]) OK() bool {
	return !r.Skipped && r.Err == nil
}

// Report 转为响应中的阶段状态
func (r StageResult[T]) Report() StageReport {
	switch {
	case r.Skipped:
		return StageReport{Status: StatusSkipped}
	case r.Err != nil:
		return StageReport{
			Status:     StatusFailed,
			Error:      stageError(r.Err),
			DurationMS: r.Duration.Milliseconds(),
		}
	default:
		return StageReport{Status: StatusOK, DurationMS: r.Duration.Milliseconds()}
	}
}

// stageError 只保留错误码，原始错误只写日志
func stageError(err error) string {
	if auditErr, ok := errors.As(err); ok && auditErr.Code != "" {
		return auditErr.Code
	}
	return "STAGE_FAILED"
}

// StageReport 响应中的阶段状态
type StageReport struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func skipped[T any]() StageResult[T] {
	return StageResult[T]{Skipped: true}
}

// runStage 执行一个阶段，失败只记录不中断
func runStage[T any](ctx context.Context, o *Orchestrator, name string, fn func(context.Context) (T, error)) StageResult[T] {
	start := o.now()
	value, err := fn(ctx)
	elapsed := o.now().Sub(start)

	metrics.RecordStage(name, elapsed.Seconds(), err != nil)
	if service, ok := stageServices[name]; ok {
		metrics.RecordExternalCall(service, elapsed.Seconds(), err)
	}

	logger := logging.NewStageLogger(o.entry(ctx), name).WithField("duration", elapsed)
	if err != nil {
		logger.WithError(err).Warn("审计阶段失败，继续执行")
	} else {
		logger.Debug("审计阶段完成")
	}

	return StageResult[T]{Value: value, Err: err, Duration: elapsed}
}

type loggerKey struct{}

func contextWithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// entry 当前审计的日志条目，不在审计内时返回组件级条目
func (o *Orchestrator) entry(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return e
	}
	return o.logger.WithField("component", "audit")
}
