// Package server はMJPEG配信用のHTTPサーバーを提供する
//
// 責務:
//   - /stream/<camera-id> でフレームバスの最新フレームを multipart/x-mixed-replace で配信する
//   - /health で死活監視に応答する
//   - 停止時にすべての配信セッションを終了させる
//
// 仕様:
//   - ginを使用
//   - セッションはクライアントごとに独立し、固定のケイデンスでバスを読む
//   - バスが空の間はチャンクを書かずに接続を維持する
//   - 書き込みに失敗したセッションはその場で終了し、他のセッションには影響しない
package server
