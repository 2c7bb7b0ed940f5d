// Package camera USBカメラの接続管理とキャプチャを担う
//
// # 責務
// - USBデバイスイベント（接続・権限・切断・取り外し）を状態遷移に変換する
// - 単一のカメラスロットの開閉と、フレームバスへの発行の制御
// - V4L2デバイスの検出とMJPEGキャプチャ
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - USBカメラの抜き差しに追従してフレームを取得したい
// - カメラがない環境でテストパターンを配信したい
//
// # 仕様
// - Manager: Idle → AwaitingPermission → Opening → Open → Closing → Closed の状態機械
//   - 遷移はミューテックスで直列化する
//   - カメラ使用中の別デバイスの接続は無視する
//   - Open 以外の状態ではフレームを発行しない。Close 後はバスを空にする
// - DevWatcher: fsnotifyでデバイスディレクトリを監視し、既存デバイスも起動時に通知する
// - SysfsDiscovery: /sys/class/video4linux からキャプチャノードとUSB識別情報を取得する
// - V4L2Adapter: blackjack/webcamでMJPEGストリーミング
// - TestPatternAdapter / SimulatedSource: 実機なしで動く仮想カメラ
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
