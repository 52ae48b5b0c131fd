package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testConfig(url string) *config.IPFSConfig {
	cfg := config.GetDefaultConfig().IPFS
	cfg.APIURL = url
	cfg.GatewayURL = url + "/ipfs"
	cfg.APIKey = "pk"
	cfg.APISecret = "ps"
	return cfg
}

func TestPinJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pinJSONPath, r.URL.Path)
		assert.Equal(t, "pk", r.Header.Get("pinata_api_key"))
		assert.Equal(t, "ps", r.Header.Get("pinata_secret_api_key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Audit NFT", body["name"])

		fmt.Fprint(w, `{"IpfsHash":"bafyjson","PinSize":42}`)
	}))
	defer server.Close()

	pinner := NewPinner(testConfig(server.URL), testLogger())
	cid, err := pinner.PinJSON(context.Background(), map[string]string{"name": "Audit NFT"})
	require.NoError(t, err)
	assert.Equal(t, "bafyjson", cid)
}

func TestPinFile(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		wantType string
	}{
		{"合约源码", "Token.sol", "smart_contract"},
		{"审计报告", "Token_report.md", "audit_report"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, pinFilePath, r.URL.Path)
				require.NoError(t, r.ParseMultipartForm(1<<20))

				file, header, err := r.FormFile("file")
				require.NoError(t, err)
				content, _ := io.ReadAll(file)
				assert.Equal(t, tt.fileName, header.Filename)
				assert.Equal(t, "contract Token {}", string(content))

				assert.JSONEq(t, `{"cidVersion":1}`, r.FormValue("pinataOptions"))

				var meta pinMetadata
				require.NoError(t, json.Unmarshal([]byte(r.FormValue("pinataMetadata")), &meta))
				assert.Equal(t, tt.fileName, meta.Name)
				assert.Equal(t, tt.wantType, meta.KeyValues["type"])
				assert.Equal(t, "AuditSmart", meta.KeyValues["uploaded_via"])

				fmt.Fprint(w, `{"IpfsHash":"bafyfile"}`)
			}))
			defer server.Close()

			pinner := NewPinner(testConfig(server.URL), testLogger())
			cid, err := pinner.PinFile(context.Background(), []byte("contract Token {}"), tt.fileName)
			require.NoError(t, err)
			assert.Equal(t, "bafyfile", cid)
		})
	}
}

func TestPinFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"鉴权失败", http.StatusUnauthorized, `{"error":"invalid key"}`},
		{"缺少哈希", http.StatusOK, `{"PinSize":1}`},
		{"非JSON响应", http.StatusOK, `<html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			pinner := NewPinner(testConfig(server.URL), testLogger())
			_, err := pinner.PinJSON(context.Background(), map[string]string{})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypePin))

			ae, _ := errors.As(err)
			// 响应体原样带回
			assert.Equal(t, tt.body, ae.Details)
		})
	}
}

func TestGatewayFetchJSON_Cached(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/ipfs/bafyabi", r.URL.Path)
		fmt.Fprint(w, `{"abi":[{"type":"function","name":"mintToUser"}]}`)
	}))
	defer server.Close()

	gateway, err := NewGateway(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		abi, err := gateway.FetchABI(context.Background(), "bafyabi")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"type":"function","name":"mintToUser"}]`, string(abi))
	}
	// 同一 CID 只请求一次网关
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestGatewayFetchJSON_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipfs/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/ipfs/noabi":
			fmt.Fprint(w, `{"name":"x"}`)
		default:
			fmt.Fprint(w, `not json`)
		}
	}))
	defer server.Close()

	gateway, err := NewGateway(testConfig(server.URL), testLogger())
	require.NoError(t, err)

	_, err = gateway.FetchJSON(context.Background(), "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = gateway.FetchJSON(context.Background(), "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypePin))

	_, err = gateway.FetchJSON(context.Background(), "garbage")
	assert.Error(t, err)

	_, err = gateway.FetchABI(context.Background(), "noabi")
	assert.Error(t, err)
}

func TestURIs(t *testing.T) {
	gateway, err := NewGateway(config.GetDefaultConfig().IPFS, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "https://ipfs.io/ipfs/bafy", gateway.PublicURL("bafy"))
	assert.Equal(t, "ipfs://bafy", URI("bafy"))
}
