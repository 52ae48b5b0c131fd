package decoder

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// 内置的最小 ABI 片段
const (
	// ERC165ABI supportsInterface 探测
	ERC165ABI = `[{"type":"function","name":"supportsInterface","stateMutability":"view","inputs":[{"name":"interfaceId","type":"bytes4"}],"outputs":[{"name":"","type":"bool"}]}]`

	// MintToUserABI 审计 NFT 合约的铸造方法
	MintToUserABI = `[{"type":"function","name":"mintToUser","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenURI","type":"string"}],"outputs":[]}]`
)

// ABIDecoder ABI 解析、编码与解码，解析结果按内容缓存
type ABIDecoder struct {
	cache  *lru.Cache[string, *abi.ABI]
	logger *logrus.Logger
}

// NewABIDecoder 创建解码器
func NewABIDecoder(cacheSize int, logger *logrus.Logger) (*ABIDecoder, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, *abi.ABI](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("创建ABI缓存失败: %w", err)
	}
	return &ABIDecoder{cache: cache, logger: logger}, nil
}

// Parse 解析 ABI JSON
func (d *ABIDecoder) Parse(raw json.RawMessage) (*abi.ABI, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("ABI为空")
	}

	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if parsed, ok := d.cache.Get(key); ok {
		return parsed, nil
	}

	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("解析ABI失败: %w", err)
	}
	d.cache.Add(key, &parsed)
	return &parsed, nil
}

// HasMethod ABI 是否包含指定方法
func (d *ABIDecoder) HasMethod(raw json.RawMessage, method string) bool {
	parsed, err := d.Parse(raw)
	if err != nil {
		return false
	}
	_, ok := parsed.Methods[method]
	return ok
}

// Pack 编码方法调用数据
func (d *ABIDecoder) Pack(raw json.RawMessage, method string, args ...interface{}) ([]byte, error) {
	parsed, err := d.Parse(raw)
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	return data, nil
}

// UnpackBool 解码返回单个 bool 的调用结果
func (d *ABIDecoder) UnpackBool(raw json.RawMessage, method string, data []byte) (bool, error) {
	parsed, err := d.Parse(raw)
	if err != nil {
		return false, err
	}
	values, err := parsed.Unpack(method, data)
	if err != nil {
		return false, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("%s 返回 %d 个值", method, len(values))
	}
	b, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s 返回值不是 bool", method)
	}
	return b, nil
}

// DecodeInput 按 ABI 解码交易输入，返回方法签名和参数
func (d *ABIDecoder) DecodeInput(raw json.RawMessage, input []byte) (string, map[string]interface{}, error) {
	if len(input) < 4 {
		return "", nil, fmt.Errorf("输入数据不足4字节")
	}
	parsed, err := d.Parse(raw)
	if err != nil {
		return "", nil, err
	}

	method, err := parsed.MethodById(input[:4])
	if err != nil {
		return "", nil, fmt.Errorf("未知的方法选择器 0x%x: %w", input[:4], err)
	}

	params := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(params, input[4:]); err != nil {
		return method.Sig, nil, fmt.Errorf("解码参数失败: %w", err)
	}
	return method.Sig, params, nil
}

// CacheLen 已缓存的 ABI 数量
func (d *ABIDecoder) CacheLen() int {
	return d.cache.Len()
}
