package validation

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditsmart/internal/errors"
	"auditsmart/pkg/models"
)

const (
	validAddress = "0x857B213598ED77FB4E862FC4355C13C472B94078"
	validTxHash  = "0x9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b"
)

func validMintingReport() *models.MintingReport {
	return &models.MintingReport{
		Metadata:        json.RawMessage(`{"name":"Audit"}`),
		TokenID:         "1",
		TokenURI:        "ipfs://bafyreport",
		NFTContract:     "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		TransactionHash: validTxHash,
		Recipient:       validAddress,
	}
}

func fieldErrors(t *testing.T, err error) []FieldError {
	auditErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeValidation, auditErr.Type)
	fields, ok := auditErr.Details.([]FieldError)
	require.True(t, ok)
	return fields
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsAddress(validAddress))
	assert.True(t, IsAddress(" 0x5fbdb2315678afecb367f032d93f642f64180aa3 "))
	assert.False(t, IsAddress("857B213598ED77FB4E862FC4355C13C472B94078"))
	assert.False(t, IsAddress("0x1234"))

	assert.True(t, IsTxHash(validTxHash))
	assert.False(t, IsTxHash("0xabc"))
	assert.False(t, IsTxHash(validTxHash[2:]))

	assert.True(t, IsTokenURI("ipfs://bafy"))
	assert.True(t, IsTokenURI("https://ipfs.io/ipfs/bafy"))
	assert.False(t, IsTokenURI("ipfs://"))
	assert.False(t, IsTokenURI("ftp://x"))
}

func TestValidateMintingReport(t *testing.T) {
	v := NewValidator(logrus.New())

	tests := []struct {
		name   string
		mutate func(r *models.MintingReport)
		field  string
		rule   string
	}{
		{"有效记录", func(r *models.MintingReport) {}, "", ""},
		{"缺少token_id", func(r *models.MintingReport) { r.TokenID = "" }, "token_id", "required"},
		{"接收地址无效", func(r *models.MintingReport) { r.Recipient = "bob" }, "recipient", "eth_addr"},
		{"交易哈希无效", func(r *models.MintingReport) { r.TransactionHash = "0x123" }, "transaction_hash", "tx_hash"},
		{"合约地址无效", func(r *models.MintingReport) { r.NFTContract = "0xzz" }, "nft_contract", "eth_addr"},
		{"缺少元数据", func(r *models.MintingReport) { r.Metadata = nil }, "metadata", "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validMintingReport()
			tt.mutate(r)
			err := v.ValidateMintingReport(r)

			if tt.field == "" {
				require.NoError(t, err)
				// 校验通过后接收地址统一小写
				assert.Equal(t, "0x857b213598ed77fb4e862fc4355c13c472b94078", r.Recipient)
				return
			}
			require.Error(t, err)
			fields := fieldErrors(t, err)
			require.NotEmpty(t, fields)
			assert.Equal(t, tt.field, fields[0].Field)
			assert.Equal(t, tt.rule, fields[0].Rule)
		})
	}

	assert.Error(t, v.ValidateMintingReport(nil))
}

func TestValidateMint(t *testing.T) {
	v := NewValidator(logrus.New())

	assert.NoError(t, v.ValidateMint(&models.MintRequest{Recipient: validAddress, TokenURI: "ipfs://bafy"}))

	err := v.ValidateMint(&models.MintRequest{Recipient: validAddress, TokenURI: "bafy"})
	fields := fieldErrors(t, err)
	assert.Equal(t, "token_uri", fields[0].Field)
	assert.Contains(t, fields[0].Message, "ipfs://")

	assert.Error(t, v.ValidateMint(nil))
}

func TestValidateDeploy(t *testing.T) {
	v := NewValidator(logrus.New())

	tests := []struct {
		name    string
		req     *models.DeployRequest
		wantErr bool
	}{
		{"内联源码", &models.DeployRequest{Source: "contract A {}"}, false},
		{"文件名", &models.DeployRequest{FileName: "Vault.sol", Force: true}, false},
		{"两者都缺", &models.DeployRequest{}, true},
		{"路径穿越", &models.DeployRequest{FileName: "../secrets.sol"}, true},
		{"子目录", &models.DeployRequest{FileName: "nested/Vault.sol"}, true},
		{"非sol文件", &models.DeployRequest{FileName: "Vault.txt"}, true},
		{"空请求", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDeploy(tt.req)
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
