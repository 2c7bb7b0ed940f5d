// Package framebus はキャプチャ側と配信側を切り離す最新値スロットを提供する
//
// # 責務
// - カメラのフレームコールバック（単一の生産者）が発行した最新フレームの保持
// - 任意数のストリーミングセッション（消費者）からの非ブロッキング読み出し
// - カメラ切断時のスロットクリア（古い映像を配信しないため）
//
// # 仕様
// - Publish / Latest / Clear はいずれもブロックしない（atomic.Pointer による単一スロット）
// - キューもリーダーごとのカーソルも持たない。遅いリーダーは間のフレームを取りこぼすだけで、
//   生産者のタイミングには一切影響しない
// - 同じフレームを複数回読むことも、途中のフレームを読み飛ばすこともある
// - Frame.Data は Publish 後に変更してはならない（全セッションで共有される）
package framebus
