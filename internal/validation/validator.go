package validation

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"auditsmart/internal/errors"
	"auditsmart/pkg/models"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// FieldError 单个字段的校验失败
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Validator 请求和记录校验器
type Validator struct {
	validate *validator.Validate
	logger   *logrus.Logger
}

// NewValidator 创建校验器并注册自定义规则
func NewValidator(logger *logrus.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	rules := map[string]validator.Func{
		"eth_addr":  func(fl validator.FieldLevel) bool { return IsAddress(fl.Field().String()) },
		"tx_hash":   func(fl validator.FieldLevel) bool { return IsTxHash(fl.Field().String()) },
		"token_uri": func(fl validator.FieldLevel) bool { return IsTokenURI(fl.Field().String()) },
	}
	for tag, fn := range rules {
		// 只有保留标签会注册失败
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("注册校验规则 %s 失败: %v", tag, err))
		}
		logger.Debugf("已注册校验规则: %s", tag)
	}

	return &Validator{validate: v, logger: logger}
}

// IsAddress 0x 开头的 20 字节地址
func IsAddress(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// IsTxHash 0x 开头的 32 字节哈希
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(strings.TrimSpace(s))
}

// IsTokenURI ipfs 或 http(s) 地址
func IsTokenURI(s string) bool {
	for _, prefix := range []string{"ipfs://", "https://", "http://"} {
		if strings.HasPrefix(s, prefix) && len(s) > len(prefix) {
			return true
		}
	}
	return false
}

// Struct 按 validate 标签校验，失败返回带字段明细的 ErrInvalidInput
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid validator.ValidationErrors
	if !stderrors.As(err, &invalid) {
		return errors.ErrInvalidInput.Wrap(err).WithComponent("validation")
	}

	fields := make([]FieldError, 0, len(invalid))
	for _, fe := range invalid {
		fields = append(fields, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: messageFor(fe),
		})
	}
	v.logger.WithField("fields", fields).Debug("请求校验失败")

	return errors.ErrInvalidInput.Wrap(fmt.Errorf("%s", fields[0].Message)).
		WithComponent("validation").
		WithDetails(fields)
}

// ValidateMintingReport 校验铸造记录，通过后统一地址格式
func (v *Validator) ValidateMintingReport(r *models.MintingReport) error {
	if r == nil {
		return errors.ErrInvalidInput.Wrap(fmt.Errorf("铸造记录为空"))
	}
	if err := v.Struct(r); err != nil {
		return err
	}
	r.Normalize()
	return nil
}

// ValidateMint 校验铸造请求
func (v *Validator) ValidateMint(req *models.MintRequest) error {
	if req == nil {
		return errors.ErrInvalidInput.Wrap(fmt.Errorf("铸造请求为空"))
	}
	return v.Struct(req)
}

// ValidateDeploy 校验部署请求，文件名只能是当前目录下的 .sol 文件
func (v *Validator) ValidateDeploy(req *models.DeployRequest) error {
	if req == nil {
		return errors.ErrInvalidInput.Wrap(fmt.Errorf("部署请求为空"))
	}
	if err := v.Struct(req); err != nil {
		return err
	}
	if req.Source == "" {
		name := req.FileName
		if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || !strings.HasSuffix(name, ".sol") {
			return errors.ErrInvalidInput.Wrap(fmt.Errorf("非法的合约文件名: %s", name)).
				WithComponent("validation").
				WithDetails([]FieldError{{Field: "file_name", Rule: "sol_file", Message: "file_name 必须是 .sol 文件名"}})
		}
	}
	return nil
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s 不能为空", fe.Field())
	case "required_without":
		return fmt.Sprintf("%s 和 %s 至少提供一个", fe.Field(), fe.Param())
	case "eth_addr":
		return fmt.Sprintf("%s 不是有效的地址", fe.Field())
	case "tx_hash":
		return fmt.Sprintf("%s 不是有效的交易哈希", fe.Field())
	case "token_uri":
		return fmt.Sprintf("%s 必须以 ipfs:// 或 http(s):// 开头", fe.Field())
	default:
		return fmt.Sprintf("%s 校验失败: %s", fe.Field(), fe.Tag())
	}
}
