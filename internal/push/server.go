package push

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/homedash/pkg/middleware"
	"github.com/nao1215/homedash/web"
)

// Server はプッシュ通知サブシステムのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service はプッシュ通知サービス。
	service *Service
	// jwtSecret は管理API（/subscriptions, /test）保護用の秘密鍵。
	// 空の場合は認証なしで公開する（開発用デフォルト）。
	jwtSecret string
	// lifecycle は遅延テスト通知のキャンセルに使うコンテキスト。
	lifecycle context.Context
	// cancel はlifecycleを停止する。
	cancel context.CancelFunc
}

// NewServer は新しいプッシュ通知サーバーを生成する。
// 環境変数から設定を読み込み、サービスの初期化まで行う。
// VAPID鍵の初期化に失敗してもサーバー生成は失敗しない。その場合、
// 鍵に依存するエンドポイントは503を返し続け、/statusが原因を報告する。
func NewServer(port string) (*Server, error) {
	dataDir := os.Getenv("HOMEDASH_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("データディレクトリの作成に失敗: %w", err)
	}

	contact := os.Getenv("HOMEDASH_CONTACT")
	if contact == "" {
		contact = "mailto:admin@example.com"
	}

	repo, err := newRepository(dataDir)
	if err != nil {
		return nil, err
	}

	keys := NewKeyManager(DefaultKeyPath(dataDir), contact)
	service := NewService(keys, repo, NewWebPushSender(contact, nil))

	// 起動シーケンスの一部として明示的に初期化する。失敗は致命傷に
	// しない。ファイルシステムの問題が直れば再起動で回復できる。
	if err := service.Initialize(context.Background()); err != nil {
		log.Printf("VAPID鍵の初期化に失敗: %v", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	if origins := os.Getenv("HOMEDASH_ALLOWED_ORIGINS"); origins != "" {
		router.Use(middleware.CORS(strings.Split(origins, ",")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:    router,
		port:      port,
		service:   service,
		jwtSecret: os.Getenv("HOMEDASH_JWT_SECRET"),
		lifecycle: ctx,
		cancel:    cancel,
	}
	s.setupRoutes()

	return s, nil
}

// newRepository はHOMEDASH_STOREに応じた購読リポジトリを生成する。
// デフォルトはJSONファイル。"sqlite" を指定すると組み込みDBを使う。
func newRepository(dataDir string) (Repository, error) {
	switch backend := os.Getenv("HOMEDASH_STORE"); backend {
	case "", "file":
		repo, err := NewFileRepository(DefaultSubscriptionPath(dataDir))
		if err != nil {
			return nil, fmt.Errorf("購読ストアの初期化に失敗: %w", err)
		}
		return repo, nil
	case "sqlite":
		repo, err := NewSQLiteRepository(dataDir + "/push-subscriptions.db")
		if err != nil {
			return nil, fmt.Errorf("購読ストアの初期化に失敗: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("不明なストアバックエンド: %s", backend)
	}
}

// Run はHTTPサーバーを起動し、ctxのキャンセルで正常終了する。
// 終了時は処理中のリクエストを猶予時間内で完了させ、保留中の
// 遅延テスト通知を破棄する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", s.port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("サーバーの停止に失敗: %w", err)
		}
		return s.service.Close()
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// クライアントエージェントが使用する公開API
	s.router.GET("/vapid-public-key", s.handleVAPIDPublicKey())
	s.router.POST("/subscribe", s.handleSubscribe())
	s.router.POST("/unsubscribe", s.handleUnsubscribe())
	s.router.GET("/status", s.handleStatus())

	// 管理API。秘密鍵が設定されている場合のみJWT認証を要求する
	admin := s.router.Group("/")
	if s.jwtSecret != "" {
		admin.Use(middleware.JWTAuth(s.jwtSecret))
	}
	{
		admin.GET("/subscriptions", s.handleSubscriptions())
		admin.POST("/test", s.handleTest())
	}

	// ブラウザ側アセット。サービスワーカーはルートスコープで
	// 登録する必要があるため、ルートパスから配信する
	s.router.GET("/sw.js", s.handleAsset("sw.js", true))
	s.router.GET("/push-agent.js", s.handleAsset("push-agent.js", false))

	// ヘルスチェック
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "homedash"})
	})
}

// handleVAPIDPublicKey はVAPID公開鍵を返すハンドラ。
// 鍵が初期化されていない場合は503とともに原因を返す。
func (s *Server) handleVAPIDPublicKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := s.service.KeyStatus()
		if !status.Initialized {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":     "VAPID鍵が初期化されていません",
				"initError": status.InitError,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"publicKey": s.service.PublicKey()})
	}
}

// subscribeRequest は購読登録リクエストのJSON構造。
type subscribeRequest struct {
	// Subscription はブラウザのPush APIが生成した購読オブジェクト。
	Subscription Subscription `json:"subscription"`
	// DeviceName はユーザーが指定するデバイス名。
	DeviceName string `json:"deviceName"`
}

// handleSubscribe は購読を登録するハンドラ。
func (s *Server) handleSubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.service.KeyStatus().Initialized {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "プッシュ通知サブシステムが初期化されていません"})
			return
		}

		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.Subscription.Endpoint == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "購読情報にエンドポイントがありません"})
			return
		}

		deviceName := req.DeviceName
		if deviceName == "" {
			deviceName = "不明なデバイス"
		}

		if err := s.service.Subscribe(c.Request.Context(), req.Subscription, deviceName); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の保存に失敗しました"})
			log.Printf("購読登録エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// unsubscribeRequest は購読解除リクエストのJSON構造。
type unsubscribeRequest struct {
	// Endpoint は解除する購読のエンドポイントURL。
	Endpoint string `json:"endpoint" binding:"required"`
}

// handleUnsubscribe は購読を解除するハンドラ。
// successは実際に削除が発生したかどうかを表す。
func (s *Server) handleUnsubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req unsubscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		removed, err := s.service.Unsubscribe(c.Request.Context(), req.Endpoint)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読の削除に失敗しました"})
			log.Printf("購読解除エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": removed})
	}
}

// handleSubscriptions は購読一覧を返すハンドラ。
// 生の購読情報（エンドポイントと暗号化鍵）は含まれない。
func (s *Server) handleSubscriptions() gin.HandlerFunc {
	return func(c *gin.Context) {
		summaries, err := s.service.Subscriptions(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "購読一覧の取得に失敗しました"})
			log.Printf("購読一覧取得エラー: %v", err)
			return
		}
		c.JSON(http.StatusOK, summaries)
	}
}

// handleStatus はサブシステムの状態を返すハンドラ。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.service.Status(c.Request.Context()))
	}
}

// testRequest はテスト通知リクエストのJSON構造。
type testRequest struct {
	// Type は通知の種類（monitoring | payment | task | test）。
	Type string `json:"type"`
	// Delay は配信を遅らせる秒数（0〜60）。
	Delay int `json:"delay"`
}

// 遅延テスト通知の上限秒数。
const maxTestDelaySeconds = 60

// handleTest は種類に応じた定型ペイロードを組み立てて配信するハンドラ。
// delayが指定された場合はタイマーで配信を遅らせ、即座に応答を返す。
func (s *Server) handleTest() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.service.KeyStatus().Initialized {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "プッシュ通知サブシステムが初期化されていません"})
			return
		}

		var req testRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		payload, ok := buildTestPayload(req.Type)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("不明な通知タイプです: %s", req.Type)})
			return
		}

		if req.Delay < 0 {
			req.Delay = 0
		}
		if req.Delay > maxTestDelaySeconds {
			req.Delay = maxTestDelaySeconds
		}

		if req.Delay > 0 {
			// 応答を返してから配信する。サーバー停止時は破棄される。
			go func() {
				select {
				case <-time.After(time.Duration(req.Delay) * time.Second):
					result := s.service.Send(s.lifecycle, payload)
					log.Printf("遅延テスト通知を配信: sent=%d failed=%d", result.Sent, result.Failed)
				case <-s.lifecycle.Done():
				}
			}()
			c.JSON(http.StatusOK, gin.H{"scheduled": true, "delay": req.Delay})
			return
		}

		// 配信レベルの部分失敗はHTTP失敗にしない。集計結果をそのまま返す。
		c.JSON(http.StatusOK, s.service.Send(c.Request.Context(), payload))
	}
}

// buildTestPayload は /test の種類に応じた定型ペイロードを構築する。
func buildTestPayload(kind string) (Payload, bool) {
	switch kind {
	case "monitoring":
		return MonitoringPayload("サンプルサービス", "down", "疎通確認用の監視アラートです"), true
	case "payment":
		return PaymentPayload(Payment{Name: "サンプル請求", Amount: 5000, DueDate: time.Now().AddDate(0, 0, 3)}), true
	case "task":
		return TaskPayload(Task{Name: "サンプルタスク", DueDate: time.Now().AddDate(0, 0, 1)}), true
	case "", "test":
		return TestPayload(), true
	default:
		return Payload{}, false
	}
}

// handleAsset は埋め込まれたブラウザ側アセットを配信するハンドラ。
// サービスワーカーにはルートスコープでの登録を許可するヘッダーを付ける。
// アセット名は固定でハッシュを含まないため、キャッシュは無効化する。
func (s *Server) handleAsset(name string, serviceWorker bool) gin.HandlerFunc {
	content, err := fs.ReadFile(web.Assets(), name)
	if err != nil {
		// go:embedの内容と食い違うのはビルド時の不整合のみ。
		panic(err)
	}

	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		if serviceWorker {
			c.Header("Service-Worker-Allowed", "/")
		}
		c.Data(http.StatusOK, "application/javascript; charset=utf-8", content)
	}
}
