package push

import (
	"database/sql"
	"fmt"
)

// SQLiteバックエンド用のスキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS push_subscriptions (
    -- 購読レコードの一意識別子（UUID）
    id TEXT PRIMARY KEY,
    -- プッシュサービスが発行した配信先URL。購読の同一性はこの列で判定する
    endpoint TEXT NOT NULL UNIQUE,
    -- ブラウザから受け取った購読情報のJSON（エンドポイントと暗号化鍵）
    subscription TEXT NOT NULL,
    -- 購読時にユーザーが指定したデバイス名
    device_name TEXT NOT NULL,
    -- 購読の作成日時
    created_at DATETIME NOT NULL,
    -- 再購読による更新日時
    updated_at DATETIME
);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
