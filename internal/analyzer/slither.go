package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/pkg/models"

	"github.com/sirupsen/logrus"
)

// maxExcerpt 输出无法解析时保留的字节数
const maxExcerpt = 1000

// Analyzer 静态分析适配器
type Analyzer struct {
	executor CommandExecutor
	cfg      *config.AnalyzerConfig
	logger   *logrus.Logger
}

// New 创建静态分析适配器
func New(executor CommandExecutor, cfg *config.AnalyzerConfig, logger *logrus.Logger) *Analyzer {
	if executor == nil {
		executor = ExecExecutor{}
	}
	return &Analyzer{executor: executor, cfg: cfg, logger: logger}
}

type slitherOutput struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Results struct {
		Detectors []slitherDetector `json:"detectors"`
	} `json:"results"`
}

type slitherDetector struct {
	Check       string           `json:"check"`
	Impact      string           `json:"impact"`
	Confidence  string           `json:"confidence"`
	Description string           `json:"description"`
	Elements    []slitherElement `json:"elements"`
}

type slitherElement struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	Contract      string `json:"contract"`
	SourceMapping struct {
		Lines []int `json:"lines"`
	} `json:"source_mapping"`
	TypeSpecificFields struct {
		Parent struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"parent"`
	} `json:"type_specific_fields"`
}

// Analyze 写入临时文件并运行分析器
func (a *Analyzer) Analyze(ctx context.Context, source string) ([]models.Finding, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errors.ErrEmptySource.New().WithComponent("analyzer")
	}

	tmp, err := os.CreateTemp(a.cfg.TempDir, "audit-*.sol")
	if err != nil {
		return nil, errors.ErrAnalyzerFailed.Wrap(fmt.Errorf("创建临时文件失败: %w", err)).WithComponent("analyzer")
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.WriteString(source); err != nil {
		tmp.Close()
		return nil, errors.ErrAnalyzerFailed.Wrap(fmt.Errorf("写入临时文件失败: %w", err)).WithComponent("analyzer")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.ErrAnalyzerFailed.Wrap(err).WithComponent("analyzer")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.TimeoutDuration())
	defer cancel()

	a.logger.WithField("path", path).Debug("运行静态分析器")
	stdout, stderr, err := a.executor.Execute(ctx, a.cfg.Binary, path, "--json", "-")
	if err != nil {
		return nil, errors.ErrAnalyzerFailed.Wrap(err).
			WithComponent("analyzer").
			WithDetails(strings.TrimSpace(string(stderr)))
	}

	findings, err := ParseOutput(stdout)
	if err != nil {
		return nil, err
	}

	a.logger.WithField("findings", len(findings)).Info("静态分析完成")
	return findings, nil
}

// ParseOutput 解析分析器 JSON 输出
func ParseOutput(stdout []byte) ([]models.Finding, error) {
	var output slitherOutput
	if err := json.Unmarshal(stdout, &output); err != nil {
		excerpt := string(stdout)
		if len(excerpt) > maxExcerpt {
			excerpt = excerpt[:maxExcerpt]
		}
		return nil, errors.ErrAnalyzerOutput.Wrap(err).
			WithComponent("analyzer").
			WithDetails(excerpt)
	}

	findings := make([]models.Finding, 0, len(output.Results.Detectors))
	for _, d := range output.Results.Detectors {
		finding := models.Finding{
			Title:       d.Check,
			Severity:    models.ParseSeverity(d.Impact),
			Description: strings.TrimSpace(d.Description),
			Impact:      d.Impact,
			Confidence:  d.Confidence,
			Contract:    "Unknown",
			Source:      models.SourceStatic,
		}

		if len(d.Elements) > 0 {
			el := d.Elements[0]
			if len(el.SourceMapping.Lines) > 0 {
				line := el.SourceMapping.Lines[0]
				finding.Line = &line
				finding.Location = fmt.Sprintf("Line %d", line)
			}
			switch {
			case el.Contract != "":
				finding.Contract = el.Contract
			case el.Type == "contract" && el.Name != "":
				finding.Contract = el.Name
			case el.TypeSpecificFields.Parent.Type == "contract":
				finding.Contract = el.TypeSpecificFields.Parent.Name
			}
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

// FormatFindings 把发现列表格式化为提示词文本
func FormatFindings(findings []models.Finding) string {
	if len(findings) == 0 {
		return "No static analysis findings."
	}
	var b strings.Builder
	for i, f := range findings {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, f.Severity.Title(), f.Title)
		if f.Location != "" {
			fmt.Fprintf(&b, " (%s)", f.Location)
		}
		fmt.Fprintf(&b, ": %s\n", f.Description)
	}
	return b.String()
}
