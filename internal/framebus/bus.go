package framebus

import (
	"sync/atomic"
	"time"
)

// Frame は1枚のJPEG画像と付随情報を表す
//
// Publish 後は不変として扱う。Data は全セッションで参照共有される。
type Frame struct {
	Data       []byte    // JPEGペイロード
	Width      int       // 画像幅
	Height     int       // 画像高さ
	CapturedAt time.Time // キャプチャ時刻

	// Seq はバスが Publish 時に割り当てる通し番号（1始まり）
	Seq uint64
}

// Size はペイロードのバイト数を返す
func (f Frame) Size() int {
	return len(f.Data)
}

// Stats はバスの運用統計のスナップショット
type Stats struct {
	Published     uint64    // Publish の累計回数
	Cleared       uint64    // Clear の累計回数
	LastSeq       uint64    // 最後に割り当てた通し番号
	LastPublishAt time.Time // 最後に Publish された時刻（未発行ならゼロ値）
	HasFrame      bool      // 現在スロットにフレームがあるか
}

// Bus は最新値のみを保持するスレッドセーフな単一スロット
type Bus struct {
	slot atomic.Pointer[Frame]

	seq           atomic.Uint64
	cleared       atomic.Uint64
	lastPublishNs atomic.Int64
}

// New は空のBusを作成する
func New() *Bus {
	return &Bus{}
}

// Publish はスロットの内容を frame で置き換える
func (b *Bus) Publish(frame Frame) {
	f := frame
	f.Seq = b.seq.Add(1)
	b.slot.Store(&f)
	b.lastPublishNs.Store(time.Now().UnixNano())
}

// Latest は現在のフレームを返す。空の場合は false
func (b *Bus) Latest() (Frame, bool) {
	f := b.slot.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Clear はスロットを空にする
func (b *Bus) Clear() {
	b.slot.Store(nil)
	b.cleared.Add(1)
}

// Stats は統計のスナップショットを返す
func (b *Bus) Stats() Stats {
	seq := b.seq.Load()
	stats := Stats{
		Published: seq,
		Cleared:   b.cleared.Load(),
		LastSeq:   seq,
		HasFrame:  b.slot.Load() != nil,
	}
	if ns := b.lastPublishNs.Load(); ns != 0 {
		stats.LastPublishAt = time.Unix(0, ns)
	}
	return stats
}
