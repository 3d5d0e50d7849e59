// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 管理API用のJWT認証、パニックリカバリ、ダッシュボードフロントエンド
// 向けのCORS設定を含む。
package middleware
