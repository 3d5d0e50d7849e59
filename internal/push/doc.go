// Package push はWeb Push通知サブシステムの内部実装を提供する。
//
// VAPID鍵の生成・永続化、購読情報の管理、全購読デバイスへの
// ファンアウト配信を担当する。配信はベストエフォートのat-most-once
// モデルであり、リトライや永続キューは持たない。個別デバイスへの
// 配信失敗は他デバイスへの配信を妨げず、プッシュサービスに失効
// （404/410）と判定されたエンドポイントは自動的に削除される。
//
// ダッシュボード側の監視・支払い・タスク管理は本パッケージの
// 外部コラボレーターであり、Service経由で通知を送信するだけである。
package push
