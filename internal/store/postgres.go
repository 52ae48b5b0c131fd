package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"auditsmart/internal/config"
	"auditsmart/internal/errors"
	"auditsmart/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS minting_reports (
	id               UUID PRIMARY KEY,
	metadata         JSONB NOT NULL,
	token_id         TEXT NOT NULL,
	token_uri        TEXT NOT NULL,
	nft_contract     TEXT NOT NULL,
	transaction_hash TEXT NOT NULL,
	block_number     BIGINT NOT NULL DEFAULT 0,
	gas_used         BIGINT NOT NULL DEFAULT 0,
	recipient        TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS minting_reports_tx_token_idx ON minting_reports (transaction_hash, token_id);
CREATE INDEX IF NOT EXISTS minting_reports_recipient_idx ON minting_reports (recipient);

CREATE TABLE IF NOT EXISTS audit_records (
	id                 UUID PRIMARY KEY,
	audit_id           TEXT NOT NULL,
	contract_name      TEXT NOT NULL,
	code_hash          TEXT NOT NULL,
	report_uri         TEXT NOT NULL,
	original_uri       TEXT NOT NULL DEFAULT '',
	fixed_uri          TEXT NOT NULL DEFAULT '',
	risk_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
	critical_count     INTEGER NOT NULL DEFAULT 0,
	high_count         INTEGER NOT NULL DEFAULT 0,
	medium_count       INTEGER NOT NULL DEFAULT 0,
	low_count          INTEGER NOT NULL DEFAULT 0,
	wallet_address     TEXT NOT NULL DEFAULT '',
	deployment_ready   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS audit_records_hash_report_idx ON audit_records (code_hash, report_uri);

CREATE TABLE IF NOT EXISTS audit_settings (
	config_key   TEXT PRIMARY KEY,
	config_value TEXT NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS wallet_whitelist (
	address    TEXT PRIMARY KEY,
	is_active  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const (
	insertMintingReport = `INSERT INTO minting_reports
	(id, metadata, token_id, token_uri, nft_contract, transaction_hash, block_number, gas_used, recipient, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (transaction_hash, token_id) DO NOTHING
	RETURNING id`

	selectMintingReportID = `SELECT id FROM minting_reports WHERE transaction_hash = $1 AND token_id = $2`

	selectMintingReportsByRecipient = `SELECT id, metadata, token_id, token_uri, nft_contract, transaction_hash,
	block_number, gas_used, recipient, created_at
	FROM minting_reports WHERE recipient = $1 ORDER BY created_at DESC`

	insertAuditRecord = `INSERT INTO audit_records
	(id, audit_id, contract_name, code_hash, report_uri, original_uri, fixed_uri, risk_score,
	critical_count, high_count, medium_count, low_count, wallet_address, deployment_ready, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (code_hash, report_uri) DO NOTHING
	RETURNING id`

	selectAuditRecordID = `SELECT id FROM audit_records WHERE code_hash = $1 AND report_uri = $2`
)

// PostgresStore 铸造记录和审计记录存储
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// Open 连接数据库
func Open(cfg *config.StoreConfig, logger *logrus.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.ErrConfigInvalid.Wrap(fmt.Errorf("未配置数据库连接串")).WithComponent("store")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.ErrStoreFailed.Wrap(err).WithComponent("store")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.ErrStoreFailed.Wrap(fmt.Errorf("数据库连接测试失败: %w", err)).WithComponent("store")
	}

	return New(db, logger), nil
}

// New 使用已有连接
func New(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, now: time.Now}
}

// DB 底层连接，供运行时设置加载复用
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema 建表和唯一索引
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.ErrStoreFailed.Wrap(fmt.Errorf("初始化表结构失败: %w", err)).WithComponent("store")
	}
	return nil
}

// SaveMintingReport 保存铸造记录，重复的 (transaction_hash, token_id) 返回已有记录的 id
func (s *PostgresStore) SaveMintingReport(ctx context.Context, r *models.MintingReport) (string, bool, error) {
	r.Normalize()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	metadata := r.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	return s.insertOrExisting("minting_report",
		func(id string) *sql.Row {
			return s.db.QueryRowContext(ctx, insertMintingReport,
				id, string(metadata), r.TokenID, r.TokenURI, r.NFTContract, r.TransactionHash,
				int64(r.BlockNumber), int64(r.GasUsed), r.Recipient, r.CreatedAt)
		},
		func() *sql.Row {
			return s.db.QueryRowContext(ctx, selectMintingReportID, r.TransactionHash, r.TokenID)
		})
}

// SaveAuditRecord 保存审计记录，(code_hash, report_uri) 去重
func (s *PostgresStore) SaveAuditRecord(ctx context.Context, r *models.AuditRecord) (string, bool, error) {
	r.WalletAddress = strings.ToLower(strings.TrimSpace(r.WalletAddress))
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	b := r.SeverityBreakdown
	return s.insertOrExisting("audit_record",
		func(id string) *sql.Row {
			return s.db.QueryRowContext(ctx, insertAuditRecord,
				id, r.AuditID, r.ContractName, r.CodeHash, r.ReportURI, r.OriginalURI, r.FixedURI, r.RiskScore,
				b.Critical, b.High, b.Medium, b.Low, r.WalletAddress, r.DeploymentReady, r.CreatedAt)
		},
		func() *sql.Row {
			return s.db.QueryRowContext(ctx, selectAuditRecordID, r.CodeHash, r.ReportURI)
		})
}

// insertOrExisting 插入无返回行说明命中唯一约束，回查已有 id
func (s *PostgresStore) insertOrExisting(kind string, insert func(id string) *sql.Row, existing func() *sql.Row) (string, bool, error) {
	var id string
	err := insert(uuid.NewString()).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !stderrors.Is(err, sql.ErrNoRows) {
		return "", false, errors.ErrStoreFailed.Wrap(err).WithComponent("store").WithContext("kind", kind)
	}

	if err := existing().Scan(&id); err != nil {
		return "", false, errors.ErrStoreFailed.Wrap(fmt.Errorf("查询已有记录失败: %w", err)).
			WithComponent("store").WithContext("kind", kind)
	}
	s.logger.WithFields(logrus.Fields{
		"kind": kind,
		"id":   id,
	}).Debug("记录已存在")
	return id, true, nil
}

// FindMintingReportsByRecipient 按接收地址查询，最新的在前
func (s *PostgresStore) FindMintingReportsByRecipient(ctx context.Context, recipient string) ([]models.MintingReport, error) {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	rows, err := s.db.QueryContext(ctx, selectMintingReportsByRecipient, recipient)
	if err != nil {
		return nil, errors.ErrStoreFailed.Wrap(err).WithComponent("store")
	}
	defer rows.Close()

	reports := []models.MintingReport{}
	for rows.Next() {
		var (
			r        models.MintingReport
			metadata []byte
			block    int64
			gas      int64
		)
		if err := rows.Scan(&r.ID, &metadata, &r.TokenID, &r.TokenURI, &r.NFTContract, &r.TransactionHash,
			&block, &gas, &r.Recipient, &r.CreatedAt); err != nil {
			return nil, errors.ErrStoreFailed.Wrap(err).WithComponent("store")
		}
		r.Metadata = metadata
		r.BlockNumber = uint64(block)
		r.GasUsed = uint64(gas)
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.ErrStoreFailed.Wrap(err).WithComponent("store")
	}
	return reports, nil
}

// Close 关闭连接
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
