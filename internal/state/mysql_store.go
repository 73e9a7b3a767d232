package state

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "MAS-Coordinator/internal/errors"
)

// MySQLStoreConfig 描述 MySQL 状态存储的连接参数。
type MySQLStoreConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用 MySQL 保存会话状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQL 状态存储并初始化表结构。
func NewMySQLStore(ctx context.Context, cfg MySQLStoreConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Get 读取会话状态，键不存在时返回 (nil, nil)。
func (s *MySQLStore) Get(ctx context.Context, key string) (map[string]any, error) {
	const stmt = `SELECT payload FROM conversation_states WHERE session_key = ?`
	var payload string
	if err := s.db.QueryRowContext(ctx, stmt, key).Scan(&payload); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话状态失败")
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话状态失败")
	}
	return value, nil
}

// Set 覆盖保存会话状态。
func (s *MySQLStore) Set(ctx context.Context, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话状态失败")
	}
	const stmt = `INSERT INTO conversation_states (session_key, payload, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, key, string(raw), time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话状态失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
