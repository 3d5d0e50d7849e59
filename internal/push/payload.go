package push

import (
	"fmt"
	"time"
)

// Payload はブラウザに届けられる通知ペイロード。
// 未指定のフィールドには配信時にデフォルト値が適用される。
type Payload struct {
	// Title は通知のタイトル。未指定の場合は "HomeDash"。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"body"`
	// Icon は通知アイコンのURL。
	Icon string `json:"icon,omitempty"`
	// Badge はバッジアイコンのURL。
	Badge string `json:"badge,omitempty"`
	// Tag は通知の置き換えに使う識別子。未指定の場合は "homedash"。
	Tag string `json:"tag,omitempty"`
	// URL は通知クリック時に開くページのURL。
	URL string `json:"url,omitempty"`
	// Data は通知に添付する任意のデータ。
	Data map[string]any `json:"data,omitempty"`
	// Timestamp は配信時刻（ミリ秒単位のUNIX時間）。配信エンジンが設定する。
	Timestamp int64 `json:"timestamp"`
}

// デフォルトの通知タイトルとタグ。呼び出し側ではなく配信エンジンが適用する。
const (
	defaultTitle = "HomeDash"
	defaultTag   = "homedash"
)

// withDefaults は未指定フィールドにデフォルト値を適用し、
// 配信時刻を刻印したペイロードを返す。
func (p Payload) withDefaults(now time.Time) Payload {
	if p.Title == "" {
		p.Title = defaultTitle
	}
	if p.Tag == "" {
		p.Tag = defaultTag
	}
	p.Timestamp = now.UnixMilli()
	return p
}

// Payment は支払いリマインダーの対象となる支払い情報。
type Payment struct {
	// Name は支払いの名称（例: "電気料金"）。
	Name string `json:"name"`
	// Amount は支払い金額。
	Amount float64 `json:"amount"`
	// DueDate は支払い期日。
	DueDate time.Time `json:"dueDate"`
}

// Task はタスクリマインダーの対象となるタスク情報。
type Task struct {
	// Name はタスクの名称。
	Name string `json:"name"`
	// DueDate はタスクの期日。
	DueDate time.Time `json:"dueDate"`
}

// MonitoringPayload はサービス監視アラートの通知ペイロードを構築する。
func MonitoringPayload(monitor, status, message string) Payload {
	return Payload{
		Title: fmt.Sprintf("HomeDash 監視: %s", monitor),
		Body:  fmt.Sprintf("%s: %s", status, message),
		Tag:   "homedash-monitoring",
		URL:   "/monitoring",
		Data:  map[string]any{"type": "monitoring", "monitor": monitor, "status": status},
	}
}

// PaymentPayload は支払いリマインダーの通知ペイロードを構築する。
func PaymentPayload(payment Payment) Payload {
	return Payload{
		Title: "HomeDash 支払いリマインダー",
		Body:  fmt.Sprintf("%s の支払い期日は %s です（%.2f）", payment.Name, payment.DueDate.Format("2006-01-02"), payment.Amount),
		Tag:   "homedash-payment",
		URL:   "/payments",
		Data:  map[string]any{"type": "payment", "name": payment.Name},
	}
}

// TaskPayload はタスクリマインダーの通知ペイロードを構築する。
func TaskPayload(task Task) Payload {
	return Payload{
		Title: "HomeDash タスクリマインダー",
		Body:  fmt.Sprintf("%s の期日は %s です", task.Name, task.DueDate.Format("2006-01-02")),
		Tag:   "homedash-task",
		URL:   "/tasks",
		Data:  map[string]any{"type": "task", "name": task.Name},
	}
}

// TestPayload は疎通確認用のテスト通知ペイロードを構築する。
func TestPayload() Payload {
	return Payload{
		Title: "HomeDash テスト通知",
		Body:  "プッシュ通知は正常に動作しています",
		Tag:   "homedash-test",
		Data:  map[string]any{"type": "test"},
	}
}
