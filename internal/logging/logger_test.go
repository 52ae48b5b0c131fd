package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		config    *LogConfig
		wantLevel logrus.Level
		wantErr   bool
	}{
		{"默认配置", nil, logrus.InfoLevel, false},
		{"调试级别JSON", &LogConfig{Level: "debug", Format: "json", Output: "stderr"}, logrus.DebugLevel, false},
		{"警告级别", &LogConfig{Level: "WARNING", Format: "text", Output: "stdout"}, logrus.WarnLevel, false},
		{"无效级别", &LogConfig{Level: "verbose", Format: "text"}, 0, true},
		{"无效格式", &LogConfig{Level: "info", Format: "xml"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())
		})
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	logger, err := NewLogger(&LogConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.WithField("audit_id", "a1").Info("审计完成")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"audit_id":"a1"`)
	assert.Contains(t, string(data), "审计完成")
}

func TestFieldHelpers(t *testing.T) {
	logger := logrus.New()

	entry := NewAuditLogger(logger, "id-1", "Vault")
	assert.Equal(t, "id-1", entry.Data["audit_id"])
	assert.Equal(t, "Vault", entry.Data["contract_name"])

	stage := NewStageLogger(entry, "pinning")
	assert.Equal(t, "pinning", stage.Data["stage"])
	assert.Equal(t, "id-1", stage.Data["audit_id"])

	rpc := NewRPCLogger(logger, "eth_sendRawTransaction", "http://localhost:8545")
	assert.Equal(t, "rpc", rpc.Data["component"])
}
