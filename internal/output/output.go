package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"auditsmart/internal/config"
	"auditsmart/pkg/models"
)

// Publisher 审计事件发布接口
type Publisher interface {
	Publish(ctx context.Context, event *models.AuditEvent) error
	Close() error
}

// NewPublisher 启用 Kafka 时发送到 Kafka，否则写入本地事件文件
func NewPublisher(cfg *config.OutputConfig, files *FileOutput, logger *logrus.Logger) (Publisher, error) {
	if cfg.Kafka != nil && cfg.Kafka.Enabled {
		return NewKafkaOutput(cfg.Kafka, logger)
	}
	return files, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileOutput 本地文件输出：合约、报告、ABI 和事件日志
type FileOutput struct {
	outputDir string
	abiDir    string
	logger    *logrus.Logger
	now       func() time.Time

	mu        sync.Mutex
	eventFile *os.File
}

// NewFileOutput 创建文件输出器，abiDir 为相对路径时按当前工作目录解析
func NewFileOutput(outputDir, abiDir string, logger *logrus.Logger) (*FileOutput, error) {
	for _, dir := range []string{outputDir, abiDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建输出目录失败: %w", err)
		}
	}
	return &FileOutput{
		outputDir: outputDir,
		abiDir:    abiDir,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SaveABI 保存已部署 NFT 合约的 ABI 到 <abiDir>/<address>.json
func (o *FileOutput) SaveABI(address string, abi json.RawMessage) (string, error) {
	if address == "" {
		return "", fmt.Errorf("合约地址为空")
	}
	path := filepath.Join(o.abiDir, safeName(address)+".json")
	if err := os.WriteFile(path, indentJSON(abi), 0644); err != nil {
		return "", fmt.Errorf("写入ABI文件失败: %w", err)
	}
	o.logger.WithFields(logrus.Fields{
		"address": address,
		"path":    path,
	}).Info("已保存合约ABI")
	return path, nil
}

// SaveContract 保存合约源码，返回文件路径
func (o *FileOutput) SaveContract(name, source string) (string, error) {
	return o.save("contracts", name, ".sol", source)
}

// SaveReport 保存审计报告
func (o *FileOutput) SaveReport(name, report string) (string, error) {
	return o.save("reports", name+"_report", ".md", report)
}

func (o *FileOutput) save(sub, name, ext, content string) (string, error) {
	dir := filepath.Join(o.outputDir, sub)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}

	timestamp := o.now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s%s", safeName(name), timestamp, ext))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("写入文件失败: %w", err)
	}
	return path, nil
}

// Publish 事件追加写入 events.jsonl
func (o *FileOutput) Publish(ctx context.Context, event *models.AuditEvent) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.eventFile == nil {
		f, err := os.OpenFile(filepath.Join(o.outputDir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开事件文件失败: %w", err)
		}
		o.eventFile = f
	}

	if _, err := o.eventFile.Write(data); err != nil {
		return fmt.Errorf("写入事件文件失败: %w", err)
	}
	// 强制刷新到磁盘
	if err := o.eventFile.Sync(); err != nil {
		return fmt.Errorf("刷新事件文件失败: %w", err)
	}
	return nil
}

// Close 关闭事件文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.eventFile == nil {
		return nil
	}
	err := o.eventFile.Close()
	o.eventFile = nil
	if err != nil {
		return fmt.Errorf("关闭事件文件失败: %w", err)
	}
	return nil
}

func safeName(name string) string {
	name = unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if name == "" {
		return "contract"
	}
	return name
}

func indentJSON(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return out
}
