package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Service はWeb Push通知サブシステムの中核となるサービスオブジェクト。
// 鍵マネージャー・購読リポジトリ・送信機を束ね、配信のファンアウトと
// 失効エンドポイントの刈り取りを担う。プロセス起動時に一度だけ生成し、
// 参照でルートハンドラに渡す。
type Service struct {
	// keys はVAPID鍵マネージャー。
	keys *KeyManager
	// repo は購読レコードのリポジトリ。
	repo Repository
	// sender はWeb Push送信機。
	sender Sender
}

// DeliveryResult は1回の通知配信の集計結果。
// 受信者ごとの詳細は返さず、失敗の内訳はErrorに
// "<デバイス名>: <メッセージ> (<ステータス|'no code'>)" 形式で連結される。
type DeliveryResult struct {
	// Sent は送信に成功した購読数。
	Sent int `json:"sent"`
	// Failed は送信に失敗した購読数。
	Failed int `json:"failed"`
	// Error は失敗時の詳細メッセージ。失敗がない場合は空。
	Error string `json:"error,omitempty"`
}

// ServiceStatus はサブシステムの状態の公開ビュー。
type ServiceStatus struct {
	// Initialized はVAPID鍵が利用可能かどうか。
	Initialized bool `json:"initialized"`
	// InitError は初期化失敗時のエラーメッセージ。
	InitError string `json:"initError,omitempty"`
	// Subscriptions は現在の購読数。
	Subscriptions int `json:"subscriptions"`
}

// 配信エンジンが前提条件を満たさない場合にDeliveryResult.Errorへ
// 設定するメッセージ。クライアントとの契約文字列であり変更しないこと。
const (
	errKeysNotInitialized = "keys not initialized"
	errNoSubscribers      = "no subscribed devices"
)

// NewService は新しいプッシュ通知サービスを生成する。
// 鍵の初期化はInitializeを呼ぶまで行われない。
func NewService(keys *KeyManager, repo Repository, sender Sender) *Service {
	return &Service{keys: keys, repo: repo, sender: sender}
}

// Initialize はVAPID鍵を初期化する。アプリケーションの起動シーケンスが
// トラフィックを受け付ける前に呼び出す。冪等かつ並行安全である。
// 初期化に失敗してもサービス自体は起動を継続でき、以降の配信は
// 明示的なエラーで即座に失敗する。
func (s *Service) Initialize(ctx context.Context) error {
	return s.keys.Initialize(ctx)
}

// PublicKey はVAPID公開鍵を返す。初期化前は空文字列。
func (s *Service) PublicKey() string {
	return s.keys.PublicKey()
}

// KeyStatus は鍵マネージャーの初期化状態を返す。
func (s *Service) KeyStatus() KeyStatus {
	return s.keys.Status()
}

// Status はサブシステムの状態（初期化状態と購読数）を返す。
func (s *Service) Status(ctx context.Context) ServiceStatus {
	ks := s.keys.Status()
	status := ServiceStatus{Initialized: ks.Initialized, InitError: ks.InitError}

	records, err := s.repo.List(ctx)
	if err != nil {
		log.Printf("購読一覧の取得に失敗: %v", err)
		return status
	}
	status.Subscriptions = len(records)
	return status
}

// Subscribe は購読を登録する。同じエンドポイントでの再登録は
// 既存レコードの更新になる（後勝ち）。
func (s *Service) Subscribe(ctx context.Context, sub Subscription, deviceName string) error {
	return s.repo.Upsert(ctx, sub, deviceName)
}

// Unsubscribe は指定エンドポイントの購読を解除する。
// 購読が存在し削除された場合にtrueを返す。
func (s *Service) Unsubscribe(ctx context.Context, endpoint string) (bool, error) {
	return s.repo.Remove(ctx, endpoint)
}

// Subscriptions は購読の公開用プロジェクション一覧を返す。
// 生の購読情報は含まれない。
func (s *Service) Subscriptions(ctx context.Context) ([]Summary, error) {
	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, Summary{
			ID:         rec.ID,
			DeviceName: rec.DeviceName,
			CreatedAt:  rec.CreatedAt,
		})
	}
	return summaries, nil
}

// Send は全購読デバイスへ通知をファンアウト配信する。
//
// 各購読への送信は独立しており、1つの失敗が他の配信を妨げることはない。
// プッシュサービスが404または410を返したエンドポイントは失効とみなし、
// 全購読への送信が完了した後に一括で削除する。その他の失敗（5xxや
// タイムアウト）は一時的なものとして購読を残すが、リトライはしない。
// 配信はat-most-onceのベストエフォートである。
func (s *Service) Send(ctx context.Context, p Payload) DeliveryResult {
	if ks := s.keys.Status(); !ks.Initialized {
		return DeliveryResult{Error: errKeysNotInitialized}
	}

	records, err := s.repo.List(ctx)
	if err != nil {
		return DeliveryResult{Error: fmt.Sprintf("購読一覧の取得に失敗: %v", err)}
	}
	if len(records) == 0 {
		return DeliveryResult{Error: errNoSubscribers}
	}

	message, err := json.Marshal(p.withDefaults(time.Now()))
	if err != nil {
		return DeliveryResult{Error: fmt.Sprintf("ペイロードのシリアライズに失敗: %v", err)}
	}

	publicKey, privateKey, _ := s.keys.Keys()

	var (
		result   DeliveryResult
		failures []string
		stale    []string
	)
	for _, rec := range records {
		status, err := s.sender.Send(ctx, message, &rec.Subscription, publicKey, privateKey)
		switch {
		case err != nil:
			result.Failed++
			failures = append(failures, fmt.Sprintf("%s: %v (no code)", rec.DeviceName, err))
		case status == http.StatusNotFound || status == http.StatusGone:
			// プッシュサービスがエンドポイントを恒久的に失効させた。
			result.Failed++
			failures = append(failures, fmt.Sprintf("%s: エンドポイントが失効しています (%d)", rec.DeviceName, status))
			stale = append(stale, rec.Endpoint)
		case status >= http.StatusBadRequest:
			result.Failed++
			failures = append(failures, fmt.Sprintf("%s: プッシュサービスがエラーを返しました (%d)", rec.DeviceName, status))
		default:
			result.Sent++
		}
	}

	// 刈り取りは必ず全送信の完了後に一括で行う。
	if len(stale) > 0 {
		removed, err := s.repo.RemoveAll(ctx, stale)
		if err != nil {
			log.Printf("失効した購読の削除に失敗: %v", err)
		} else {
			log.Printf("失効した購読を %d 件削除しました", removed)
		}
	}

	if result.Failed > 0 {
		result.Error = strings.Join(failures, "; ")
	}
	return result
}

// SendMonitoringAlert はサービス監視アラートを配信する。
// 監視エンジンが使用する公開APIの一部。
func (s *Service) SendMonitoringAlert(ctx context.Context, monitor, status, message string) DeliveryResult {
	return s.Send(ctx, MonitoringPayload(monitor, status, message))
}

// SendPaymentReminder は支払いリマインダーを配信する。
func (s *Service) SendPaymentReminder(ctx context.Context, payment Payment) DeliveryResult {
	return s.Send(ctx, PaymentPayload(payment))
}

// SendTaskReminder はタスクリマインダーを配信する。
func (s *Service) SendTaskReminder(ctx context.Context, task Task) DeliveryResult {
	return s.Send(ctx, TaskPayload(task))
}

// SendTestNotification は疎通確認用のテスト通知を配信する。
func (s *Service) SendTestNotification(ctx context.Context) DeliveryResult {
	return s.Send(ctx, TestPayload())
}

// Close はサービスが保持するリソースを解放する。
func (s *Service) Close() error {
	return s.repo.Close()
}
