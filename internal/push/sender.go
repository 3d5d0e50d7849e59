package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Sender は1つの購読先へのWeb Push送信を抽象化する。
// 戻り値のstatusはプッシュサービスが返したHTTPステータスコード。
// リクエスト自体が送信できなかった場合（ネットワークエラー等）は
// statusが0になり、errにその原因が入る。
type Sender interface {
	Send(ctx context.Context, message []byte, sub *webpush.Subscription, vapidPublicKey, vapidPrivateKey string) (status int, err error)
}

// WebPushSender は標準のWeb Pushプロトコル（RFC 8030/8291/8292）で
// 通知を送信するSender実装。ペイロードの暗号化とVAPID JWT署名は
// webpush-goライブラリに委譲し、本実装はリクエストの組み立てと
// レスポンスの受け取りだけを行う。
type WebPushSender struct {
	// subscriber はVAPID署名に含める連絡先URI。
	subscriber string
	// ttl はプッシュサービス側での通知保持秒数。
	ttl int
	// httpClient はプッシュサービスへのHTTPクライアント。
	httpClient *http.Client
}

// デフォルトのTTL（秒）とHTTPタイムアウト。
const (
	defaultTTL         = 60 * 60 * 24
	defaultSendTimeout = 30 * time.Second
)

// NewWebPushSender は新しいWeb Push送信機を生成する。
// httpClientがnilの場合はタイムアウト付きのデフォルトクライアントを使う。
func NewWebPushSender(subscriber string, httpClient *http.Client) *WebPushSender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultSendTimeout}
	}
	return &WebPushSender{
		subscriber: subscriber,
		ttl:        defaultTTL,
		httpClient: httpClient,
	}
}

// Send は1つの購読先へ通知を送信する。
// プッシュサービスからレスポンスが返った場合は、そのステータスコードを
// 成否に関わらずそのまま返す。成否の判定と失効（404/410）の扱いは
// 呼び出し側（配信エンジン）の責務である。
func (s *WebPushSender) Send(ctx context.Context, message []byte, sub *webpush.Subscription, vapidPublicKey, vapidPrivateKey string) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, message, sub, &webpush.Options{
		HTTPClient:      s.httpClient,
		Subscriber:      s.subscriber,
		TTL:             s.ttl,
		VAPIDPublicKey:  vapidPublicKey,
		VAPIDPrivateKey: vapidPrivateKey,
	})
	if err != nil {
		return 0, fmt.Errorf("プッシュ送信に失敗: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, nil
}
