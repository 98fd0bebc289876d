// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// MJPEG配信、操作パネルのAPI、テレメトリのWebSocket配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - クライアントごとのMJPEGセッションの実行
//   - 制御APIへの手動操作と自動調整の受付
//   - 埋め込みページ（配信テスト・操作パネル）の配信
//
// 仕様:
//   - ルーティングはginを使用
//   - WebSocketはgorilla/websocketを使用
//   - シャットダウン時は配信中のセッションも終了させる
package server
