package camera

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedPlatform は実行環境がV4L2/デバイス監視に対応していないことを表す
	ErrUnsupportedPlatform = errors.New("camera: このプラットフォームはサポートされていません")
	// ErrAlreadyOpen は既にカメラが開かれている状態での Open を表す
	ErrAlreadyOpen = errors.New("camera: カメラは既に開かれています")
	// ErrNotOpen はカメラが開かれていない状態での操作を表す
	ErrNotOpen = errors.New("camera: カメラが開かれていません")
)

// State はカメラスロットの接続状態を表す
type State int

const (
	StateIdle               State = iota // 待機中（カメラなし）
	StateAwaitingPermission              // 権限要求の応答待ち
	StatePermissionDenied                // 権限が拒否された（すぐに Idle へ戻る）
	StateOpening                         // カメラを開いている途中
	StateOpen                            // カメラが開かれフレームを発行中
	StateClosing                         // カメラを閉じている途中
	StateClosed                          // カメラを閉じた（Idle と同様に新しい接続を受け付ける）
)

var stateNames = map[State]string{
	StateIdle:               "Idle",
	StateAwaitingPermission: "AwaitingPermission",
	StatePermissionDenied:   "PermissionDenied",
	StateOpening:            "Opening",
	StateOpen:               "Open",
	StateClosing:            "Closing",
	StateClosed:             "Closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DeviceIdentity は接続状態とは独立に物理USBデバイスを識別する
// 文字列項目はベストエフォートで、取得できない場合は空になる
type DeviceIdentity struct {
	ID        string // プラットフォームが割り当てたデバイスID（例: /dev/video0）
	VendorID  uint16 // USBベンダーID
	ProductID uint16 // USBプロダクトID
	Product   string // 製品名
	Serial    string // シリアル番号
}

// String はログ向けの短い表記を返す
func (d DeviceIdentity) String() string {
	if d.VendorID == 0 && d.ProductID == 0 {
		return d.ID
	}
	return fmt.Sprintf("%s (%04x:%04x)", d.ID, d.VendorID, d.ProductID)
}

// SameDevice は同じ物理デバイスを指しているかを判定する
func (d DeviceIdentity) SameDevice(other DeviceIdentity) bool {
	return d.ID == other.ID
}

// ControlHandle はUSB権限システムが発行する、特定デバイスを開くための不透明なトークン
type ControlHandle struct {
	Device    string    // 開く対象のデバイスパス
	GrantedAt time.Time // 権限が付与された時刻
}

// PreviewConfig はカメラを開くときの固定プレビュー設定
type PreviewConfig struct {
	Width  int
	Height int
	Format string // MJPEG
	FPS    int
}

// FrameCallback はキャプチャ済みフレームごとにアダプタから呼ばれる
// data の所有権は呼び出し先に移る
type FrameCallback func(data []byte, width, height int, timestampMs int64)

// CaptureAdapter は外部のカメラキャプチャライブラリとの境界
type CaptureAdapter interface {
	// Open は権限付与済みのデバイスをプレビュー設定で開き、フレームの配送を開始する
	Open(handle ControlHandle, cfg PreviewConfig) error

	// Close はカメラを閉じる。戻った後にフレームコールバックが呼ばれることはない
	// 開いていない場合は ErrNotOpen を返す
	Close() error

	// RegisterFrameCallback はフレームコールバックを登録する。nil で登録解除
	RegisterFrameCallback(fn FrameCallback)
}

// FailureNotifier はキャプチャ中の致命的エラーを通知できるアダプタが実装する
// ハンドラはキャプチャ経路の外（別ゴルーチン）から呼ばれる
// Open の前に設定されたハンドラが、その Open の失敗だけを受け取る
type FailureNotifier interface {
	SetFailureHandler(fn func(err error))
}

// EventHandler は外部USBサブシステムから届くデバイスイベントの受け口
type EventHandler interface {
	OnAttach(device DeviceIdentity)
	OnPermissionGranted(device DeviceIdentity, handle ControlHandle)
	OnPermissionDenied(device DeviceIdentity)
	OnDisconnected(device DeviceIdentity)
	OnDetached(device DeviceIdentity)
}

// DeviceEventSource は外部USBサブシステムとの境界
type DeviceEventSource interface {
	// Register はイベントの受信を開始する
	Register(handler EventHandler) error

	// Unregister はイベントの受信を停止する
	Unregister() error

	// RequestPermission はデバイスへのアクセス権限を要求する
	// 結果は OnPermissionGranted / OnPermissionDenied で非同期に届く
	RequestPermission(device DeviceIdentity) error
}
