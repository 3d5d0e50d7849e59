package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
)

// ErrEmptyEndpoint は購読情報にエンドポイントが含まれていない場合のエラー。
var ErrEmptyEndpoint = errors.New("購読情報にエンドポイントがありません")

// Subscription はブラウザのPush APIが生成する購読オブジェクト。
// エンドポイントURLと暗号化鍵（p256dh/auth）を含む。形式は
// Web Push標準に従い、内容はwebpush-goライブラリに委譲する。
type Subscription = webpush.Subscription

// Record は永続化される購読レコード。
// レコードの同一性はIDではなくEndpointで判定する。Endpointはブラウザの
// プッシュサービスが発行する一意なURLであり、同じエンドポイントでの
// 再購読は新規レコードを作らず既存レコードを更新する。
type Record struct {
	// ID はレコードの一意識別子（UUID）。
	ID string `json:"id"`
	// Endpoint はプッシュサービスが発行した配信先URL。
	Endpoint string `json:"endpoint"`
	// Subscription はブラウザから受け取った購読情報
	// （エンドポイントと暗号化鍵を含む不透明なオブジェクト）。
	Subscription webpush.Subscription `json:"subscription"`
	// DeviceName は購読時にユーザーが指定したデバイス名。
	DeviceName string `json:"deviceName"`
	// CreatedAt は購読の作成日時。
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt は再購読による更新日時。未更新の場合はnil。
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Summary は購読の公開用プロジェクション。
// 生の購読情報（エンドポイントURLと暗号化鍵）はそのデバイスへ通知を
// 送る能力そのものであるため、読み取りAPIには決して含めない。
type Summary struct {
	// ID はレコードの一意識別子。
	ID string `json:"id"`
	// DeviceName は購読時に指定されたデバイス名。
	DeviceName string `json:"deviceName"`
	// CreatedAt は購読の作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

// Repository は購読レコードの永続化インターフェース。
// 実装は並行アクセスに対して安全でなければならず、read-modify-write
// サイクル全体を直列化する必要がある。
type Repository interface {
	// Upsert はエンドポイントをキーに購読を追加または更新する。
	// 既存エンドポイントへの再購読はデバイス名と更新日時のみを
	// 書き換え、重複レコードを作らない。
	Upsert(ctx context.Context, sub webpush.Subscription, deviceName string) error

	// Remove は指定エンドポイントの購読を削除する。
	// 削除が発生した場合のみtrueを返す。
	Remove(ctx context.Context, endpoint string) (bool, error)

	// RemoveAll は複数エンドポイントを一括で削除し、削除件数を返す。
	// 配信エンジンが失効エンドポイントを一度の変更で刈り取るために使う。
	RemoveAll(ctx context.Context, endpoints []string) (int, error)

	// List は全購読レコードを返す。
	List(ctx context.Context) ([]Record, error)

	// Close はリポジトリが保持するリソースを解放する。
	Close() error
}

// FileRepository は購読コレクションをJSONファイルに永続化するリポジトリ。
// 変更のたびにコレクション全体を書き直す。想定規模（数十件）では
// 十分であり、より大きな規模ではRepositoryインターフェースを満たす
// 別実装（SQLiteRepository）に差し替えられる。
type FileRepository struct {
	// path は購読コレクションの永続化先ファイルのパス。
	path string
	// mu はread-modify-writeサイクル全体を直列化する。
	mu sync.Mutex
	// records はメモリ上の購読コレクション。
	records []Record
}

// NewFileRepository はJSONファイル永続化のリポジトリを生成する。
// ファイルが既に存在する場合はその内容を読み込む。
func NewFileRepository(path string) (*FileRepository, error) {
	r := &FileRepository{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &r.records); err != nil {
			return nil, fmt.Errorf("購読ファイルの解析に失敗: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// 初回起動。空のコレクションから始める。
	default:
		return nil, fmt.Errorf("購読ファイルの読み込みに失敗: %w", err)
	}

	return r, nil
}

// Upsert はエンドポイントをキーに購読を追加または更新する。
// メモリ上のコレクションは書き込みが成功した場合にのみ置き換える。
// 書き込みに失敗した変更を見かけ上成功として扱うと、再起動で黙って
// 巻き戻るためである。
func (r *FileRepository) Upsert(_ context.Context, sub webpush.Subscription, deviceName string) error {
	if sub.Endpoint == "" {
		return ErrEmptyEndpoint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for i := range r.records {
		if r.records[i].Endpoint == sub.Endpoint {
			updated := make([]Record, len(r.records))
			copy(updated, r.records)
			updated[i].Subscription = sub
			updated[i].DeviceName = deviceName
			updated[i].UpdatedAt = &now
			if err := r.persist(updated); err != nil {
				return err
			}
			r.records = updated
			return nil
		}
	}

	updated := make([]Record, len(r.records), len(r.records)+1)
	copy(updated, r.records)
	updated = append(updated, Record{
		ID:           uuid.New().String(),
		Endpoint:     sub.Endpoint,
		Subscription: sub,
		DeviceName:   deviceName,
		CreatedAt:    now,
	})
	if err := r.persist(updated); err != nil {
		return err
	}
	r.records = updated
	return nil
}

// Remove は指定エンドポイントの購読を削除する。
// コレクションが実際に変化し、かつ書き込みに成功した場合のみ
// メモリ上のコレクションを置き換える。
func (r *FileRepository) Remove(_ context.Context, endpoint string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.records {
		if r.records[i].Endpoint == endpoint {
			updated := make([]Record, 0, len(r.records)-1)
			updated = append(updated, r.records[:i]...)
			updated = append(updated, r.records[i+1:]...)
			if err := r.persist(updated); err != nil {
				return false, err
			}
			r.records = updated
			return true, nil
		}
	}
	return false, nil
}

// RemoveAll は複数エンドポイントを一括削除する。
// 永続化はコレクションが変化した場合に一度だけ行い、成功した場合のみ
// メモリ上のコレクションを置き換える。
func (r *FileRepository) RemoveAll(_ context.Context, endpoints []string) (int, error) {
	if len(endpoints) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		stale[e] = struct{}{}
	}

	kept := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if _, ok := stale[rec.Endpoint]; !ok {
			kept = append(kept, rec)
		}
	}

	removed := len(r.records) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := r.persist(kept); err != nil {
		return 0, err
	}
	r.records = kept
	return removed, nil
}

// List は全購読レコードのコピーを返す。
func (r *FileRepository) List(_ context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]Record, len(r.records))
	copy(records, r.records)
	return records, nil
}

// Close は何もしない。FileRepositoryは開きっぱなしのリソースを持たない。
func (r *FileRepository) Close() error { return nil }

// persist は渡されたコレクション全体をファイルに書き出す。
// 呼び出し側がmuを保持し、成功を確認してからr.recordsを置き換えること。
// 書き込み失敗は購読の消失を意味するため、決して握りつぶさず
// 呼び出し元へ伝播する。
func (r *FileRepository) persist(records []Record) error {
	if records == nil {
		records = []Record{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("購読コレクションのシリアライズに失敗: %w", err)
	}

	// 書き込み途中のクラッシュでコレクションが壊れないよう、
	// 一時ファイルに書いてからリネームする。
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("購読ファイルの書き込みに失敗: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("購読ファイルの保存に失敗: %w", err)
	}
	return nil
}

// DefaultSubscriptionPath はデータディレクトリ内の購読ファイルの標準パスを返す。
func DefaultSubscriptionPath(dataDir string) string {
	return filepath.Join(dataDir, "push-subscriptions.json")
}
