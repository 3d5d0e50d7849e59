package push

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// newBrowserSubscription はブラウザ側の鍵を模した購読を生成する。
// p256dhには実際のP-256公開鍵を使う（暗号化に有効な鍵が必要なため）。
func newBrowserSubscription(t *testing.T, endpoint string) *webpush.Subscription {
	t.Helper()

	clientKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("クライアント鍵の生成に失敗: %v", err)
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		t.Fatalf("認証シークレットの生成に失敗: %v", err)
	}

	return &webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(clientKey.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(authSecret),
		},
	}
}

// TestWebPushSenderSend はプッシュサービスへの送信とステータスの伝搬を検証する。
func TestWebPushSenderSend(t *testing.T) {
	t.Parallel()

	// VAPID鍵はテスト全体で使い回す
	vapidPrivate, vapidPublic, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("VAPID鍵の生成に失敗: %v", err)
	}

	t.Run("成功レスポンスのステータスコードをそのまま返す", func(t *testing.T) {
		t.Parallel()

		var gotRequest *http.Request
		var gotBody []byte
		pushService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequest = r.Clone(r.Context())
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}))
		t.Cleanup(pushService.Close)

		sender := NewWebPushSender(testContact, pushService.Client())
		sub := newBrowserSubscription(t, pushService.URL+"/send/abc123")

		status, err := sender.Send(t.Context(), []byte(`{"title":"test"}`), sub, vapidPublic, vapidPrivate)
		if err != nil {
			t.Fatalf("Send()でエラーが発生: %v", err)
		}
		if status != http.StatusCreated {
			t.Errorf("status = %d, want %d", status, http.StatusCreated)
		}

		// Web Pushプロトコルに沿ったリクエストであること
		if gotRequest == nil {
			t.Fatal("プッシュサービスにリクエストが届いていない")
		}
		if got := gotRequest.Header.Get("Content-Encoding"); got != "aes128gcm" {
			t.Errorf("Content-Encoding = %q, want %q", got, "aes128gcm")
		}
		if gotRequest.Header.Get("Authorization") == "" {
			t.Error("AuthorizationヘッダーにVAPID署名が含まれていない")
		}
		if gotRequest.Header.Get("TTL") == "" {
			t.Error("TTLヘッダーが設定されていない")
		}
		// ペイロードは暗号化されているため平文とは一致しない
		if len(gotBody) == 0 {
			t.Error("暗号化された本文が空")
		}
	})

	t.Run("失効を示す410もエラーにせずステータスとして返す", func(t *testing.T) {
		t.Parallel()

		pushService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusGone)
		}))
		t.Cleanup(pushService.Close)

		sender := NewWebPushSender(testContact, pushService.Client())
		sub := newBrowserSubscription(t, pushService.URL+"/send/expired")

		status, err := sender.Send(t.Context(), []byte(`{"title":"test"}`), sub, vapidPublic, vapidPrivate)
		if err != nil {
			t.Fatalf("Send()でエラーが発生: %v", err)
		}
		if status != http.StatusGone {
			t.Errorf("status = %d, want %d", status, http.StatusGone)
		}
	})

	t.Run("到達できないプッシュサービスにはステータス0とエラーを返す", func(t *testing.T) {
		t.Parallel()

		pushService := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))
		endpoint := pushService.URL + "/send/unreachable"
		pushService.Close() // 送信前に停止して接続エラーを起こす

		sender := NewWebPushSender(testContact, nil)
		sub := newBrowserSubscription(t, endpoint)

		status, err := sender.Send(t.Context(), []byte(`{"title":"test"}`), sub, vapidPublic, vapidPrivate)
		if err == nil {
			t.Fatal("エラーが返るべき")
		}
		if status != 0 {
			t.Errorf("status = %d, want 0", status)
		}
	})
}
