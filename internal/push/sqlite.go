package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository は購読レコードをSQLiteに永続化するリポジトリ。
// JSONファイル版と同じRepositoryインターフェースを満たし、
// 購読数が増えた環境向けの組み込みストアとして差し替えられる。
type SQLiteRepository struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewSQLiteRepository はSQLite永続化のリポジトリを生成する。
// dsnにはデータベースファイルのパス（テストでは ":memory:"）を指定する。
func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	if dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Upsert はエンドポイントをキーに購読を追加または更新する。
// UNIQUE制約とON CONFLICTにより、同時購読が競合しても重複レコードは
// 生まれない（後勝ち）。
func (r *SQLiteRepository) Upsert(ctx context.Context, sub webpush.Subscription, deviceName string) error {
	if sub.Endpoint == "" {
		return ErrEmptyEndpoint
	}

	blob, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("購読情報のシリアライズに失敗: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, endpoint, subscription, device_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			subscription = excluded.subscription,
			device_name  = excluded.device_name,
			updated_at   = excluded.created_at`,
		uuid.New().String(), sub.Endpoint, string(blob), deviceName, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("購読の保存に失敗: %w", err)
	}
	return nil
}

// Remove は指定エンドポイントの購読を削除する。
func (r *SQLiteRepository) Remove(ctx context.Context, endpoint string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	if err != nil {
		return false, fmt.Errorf("購読の削除に失敗: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return affected > 0, nil
}

// RemoveAll は複数エンドポイントを一括削除し、削除件数を返す。
func (r *SQLiteRepository) RemoveAll(ctx context.Context, endpoints []string) (int, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(endpoints))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(endpoints))
	for i, e := range endpoints {
		args[i] = e
	}

	result, err := r.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM push_subscriptions WHERE endpoint IN (%s)", placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("購読の一括削除に失敗: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return int(affected), nil
}

// List は全購読レコードを作成日時順に返す。
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, endpoint, subscription, device_name, created_at, updated_at
		FROM push_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			blob      string
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Endpoint, &blob, &rec.DeviceName, &rec.CreatedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("購読レコードの読み取りに失敗: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &rec.Subscription); err != nil {
			return nil, fmt.Errorf("購読情報の解析に失敗: %w", err)
		}
		if updatedAt.Valid {
			t := updatedAt.Time
			rec.UpdatedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close はデータベース接続を閉じる。
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
