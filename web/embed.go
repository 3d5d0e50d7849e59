// Package web はバックエンドが配信するブラウザ側アセットを提供する。
//
// プッシュ配信に必要なクライアントエージェント（push-agent.js）と
// サービスワーカー（sw.js）をバイナリに埋め込む。サービスワーカーは
// ルートスコープで登録する必要があるため、これらはルートパスから
// 配信される。
package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var static embed.FS

// Assets は埋め込まれたブラウザ側アセットのファイルシステムを返す。
func Assets() fs.FS {
	sub, err := fs.Sub(static, "static")
	if err != nil {
		// embedされた内容と食い違うのはビルド時の不整合のみ。
		panic(err)
	}
	return sub
}
