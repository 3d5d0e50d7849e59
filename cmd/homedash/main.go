// HomeDashバックエンドのエントリポイント。
// Web Push通知サブシステムを初期化し、購読管理と配信のHTTP APIを提供する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/homedash/internal/push"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	server, err := push.NewServer(port)
	if err != nil {
		log.Fatalf("プッシュ通知サーバーの初期化に失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("プッシュ通知サービスを起動します: :%s", port)
	if err := server.Run(ctx); err != nil {
		log.Fatalf("プッシュ通知サービスの起動に失敗: %v", err)
	}
}
