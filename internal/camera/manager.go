package camera

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"camstream/internal/framebus"
	"camstream/internal/logging"
)

// TransitionObserver は状態遷移ごとに呼ばれる
// 遷移のロックを保持したまま呼ばれるため、Manager のメソッドを呼んではならない
type TransitionObserver func(from, to State, device DeviceIdentity)

// ManagerStats は Manager の運用統計のスナップショット
type ManagerStats struct {
	State         State
	Device        DeviceIdentity
	Opens         uint64 // 成功した Open の回数
	Closes        uint64 // Close の回数
	OpenFailures  uint64 // 失敗した Open の回数
	IgnoredEvents uint64 // 無視したイベントの回数
	DroppedFrames uint64 // Open 以外の状態で届いて破棄したフレーム数
	LastError     string
}

// Option は Manager の任意設定
type Option func(*Manager)

// WithLogger はログ出力先を指定する
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithTransitionObserver は状態遷移の監視関数を指定する
func WithTransitionObserver(fn TransitionObserver) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// Manager は単一のカメラスロットを所有し、USBイベントをカメラの開閉に変換する状態機械
//
// イベントハンドラは外部サブシステムの任意のゴルーチンから呼ばれるが、
// 遷移は mu で直列化される。フレームコールバックは mu を取らない。
type Manager struct {
	source  DeviceEventSource
	adapter CaptureAdapter
	bus     *framebus.Bus
	preview PreviewConfig

	log      *logrus.Entry
	observer TransitionObserver

	// lifecycle は Start と Stop を直列化する。Register / Unregister の間も保持する
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	current    DeviceIdentity
	hasCurrent bool
	started    bool
	generation uint64

	// フレームの発行を許可されている Open の世代（0 は発行不可）
	openGen atomic.Uint64
	dropped atomic.Uint64

	opens         uint64
	closes        uint64
	openFailures  uint64
	ignoredEvents uint64
	lastErr       error
}

// NewManager は新しい Manager を作成する
func NewManager(source DeviceEventSource, adapter CaptureAdapter, bus *framebus.Bus, preview PreviewConfig, opts ...Option) *Manager {
	m := &Manager{
		source:  source,
		adapter: adapter,
		bus:     bus,
		preview: preview,
		log:     logging.Component("camera"),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start はUSBサブシステムへ登録してイベントの受信を開始する
// 既に開始済みの場合は何もしない
func (m *Manager) Start() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	// 登録時に既存デバイスのイベントが同期的に届くことがあるため、ロックの外で登録する
	if err := m.source.Register(m); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return errors.Wrap(err, "USBイベントソースへの登録に失敗")
	}

	m.log.Info("カメラマネージャーを開始しました")
	return nil
}

// Stop は開いているカメラを閉じ、USBサブシステムから登録解除して Closed へ遷移する
// カメラを一度も開いていなくても、並行してイベントが届いていても安全に呼べる
func (m *Manager) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	wasStarted := m.started
	m.started = false

	switch m.state {
	case StateOpen, StateOpening, StateClosing:
		m.closeLocked("マネージャー停止")
	case StateClosed:
	default:
		m.transitionLocked(StateClosed, m.current)
		m.clearCurrentLocked()
	}
	m.mu.Unlock()

	if !wasStarted {
		return nil
	}

	// 配送中のイベントはロック解放後に届いても started=false で無視される
	if err := m.source.Unregister(); err != nil {
		return errors.Wrap(err, "USBイベントソースの登録解除に失敗")
	}

	m.log.Info("カメラマネージャーを停止しました")
	return nil
}

// OnAttach はデバイス接続を処理する
// 待機中なら権限を要求し、既にカメラを扱っている場合は記録だけして無視する
func (m *Manager) OnAttach(device DeviceIdentity) {
	m.mu.Lock()
	if !m.started {
		m.ignoreLocked("attach", device, "停止中")
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateIdle, StateClosed:
	default:
		// 使用中のカメラは横取りしない
		m.ignoreLocked("attach", device, "カメラスロットが使用中")
		m.mu.Unlock()
		return
	}
	m.current = device
	m.hasCurrent = true
	m.transitionLocked(StateAwaitingPermission, device)
	m.mu.Unlock()

	// 権限の結果が同期的に届いてもデッドロックしないよう、ロックの外で要求する
	if err := m.source.RequestPermission(device); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.lastErr = errors.Wrapf(err, "権限要求に失敗: %s", device)
		m.log.WithError(err).WithField("device", device.String()).Error("権限要求に失敗しました")
		if m.state == StateAwaitingPermission && m.current.SameDevice(device) {
			m.transitionLocked(StateIdle, device)
			m.clearCurrentLocked()
		}
	}
}

// OnPermissionGranted は権限付与を処理し、カメラを開く
func (m *Manager) OnPermissionGranted(device DeviceIdentity, handle ControlHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		m.ignoreLocked("permission-granted", device, "停止中")
		return
	}
	if m.state != StateAwaitingPermission || !m.current.SameDevice(device) {
		m.ignoreLocked("permission-granted", device, "対応する権限要求がありません")
		return
	}

	m.transitionLocked(StateOpening, device)

	m.generation++
	gen := m.generation
	m.adapter.RegisterFrameCallback(m.frameCallback(gen))
	m.setFailureHandler(m.failureHandler(gen))

	if err := m.adapter.Open(handle, m.preview); err != nil {
		m.adapter.RegisterFrameCallback(nil)
		m.setFailureHandler(nil)
		m.openFailures++
		m.lastErr = errors.Wrapf(err, "カメラのオープンに失敗: %s", device)
		m.log.WithError(err).WithField("device", device.String()).Error("カメラのオープンに失敗しました")

		// 自動リトライはしない。再接続か権限の再付与を待つ
		m.transitionLocked(StateIdle, device)
		m.clearCurrentLocked()
		return
	}

	m.opens++
	m.transitionLocked(StateOpen, device)
	m.openGen.Store(gen)

	m.log.WithFields(logrus.Fields{
		"device": device.String(),
		"width":  m.preview.Width,
		"height": m.preview.Height,
		"format": m.preview.Format,
	}).Info("カメラを開きました")
}

// OnPermissionDenied は権限拒否を処理する。この接続試行は終了し Idle へ戻る
func (m *Manager) OnPermissionDenied(device DeviceIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		m.ignoreLocked("permission-denied", device, "停止中")
		return
	}
	if m.state != StateAwaitingPermission || !m.current.SameDevice(device) {
		m.ignoreLocked("permission-denied", device, "対応する権限要求がありません")
		return
	}

	m.transitionLocked(StatePermissionDenied, device)
	m.log.WithField("device", device.String()).Warn("カメラへのアクセス権限が拒否されました")
	m.transitionLocked(StateIdle, device)
	m.clearCurrentLocked()
}

// OnDisconnected はデバイスの切断を処理する
func (m *Manager) OnDisconnected(device DeviceIdentity) {
	m.handleGone("disconnected", device, false)
}

// OnDetached はデバイスの取り外しを処理する
func (m *Manager) OnDetached(device DeviceIdentity) {
	m.handleGone("detached", device, true)
}

// OnCaptureFailure はキャプチャ中の致命的エラーを現在開いているカメラの切断として扱う
// キャプチャ経路の外から呼ぶこと
func (m *Manager) OnCaptureFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureFailedLocked(m.openGen.Load(), err)
}

// failureHandler は世代 gen の Open に紐づく失敗通知を作る
// 以前の Open から遅れて届いた通知は今のカメラを閉じない
func (m *Manager) failureHandler(gen uint64) func(error) {
	return func(err error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.captureFailedLocked(gen, err)
	}
}

func (m *Manager) setFailureHandler(fn func(error)) {
	if notifier, ok := m.adapter.(FailureNotifier); ok {
		notifier.SetFailureHandler(fn)
	}
}

func (m *Manager) captureFailedLocked(gen uint64, err error) {
	if !m.started || m.state != StateOpen {
		m.ignoreLocked("capture-failure", m.current, "カメラが開かれていません")
		return
	}
	if gen == 0 || m.openGen.Load() != gen {
		m.ignoreLocked("capture-failure", m.current, "以前の Open からの通知")
		return
	}

	m.lastErr = errors.Wrap(err, "キャプチャに失敗")
	m.log.WithError(err).WithField("device", m.current.String()).Error("キャプチャが停止しました")
	m.closeLocked("キャプチャ失敗")
}

// State は現在の状態を返す
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current は現在スロットにあるデバイスを返す
func (m *Manager) Current() (DeviceIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.hasCurrent
}

// Stats は運用統計のスナップショットを返す
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		State:         m.state,
		Device:        m.current,
		Opens:         m.opens,
		Closes:        m.closes,
		OpenFailures:  m.openFailures,
		IgnoredEvents: m.ignoredEvents,
		DroppedFrames: m.dropped.Load(),
	}
	if m.lastErr != nil {
		stats.LastError = m.lastErr.Error()
	}
	return stats
}

// handleGone は切断・取り外しの共通処理
func (m *Manager) handleGone(event string, device DeviceIdentity, detached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		m.ignoreLocked(event, device, "停止中")
		return
	}
	if !m.hasCurrent || !m.current.SameDevice(device) {
		m.ignoreLocked(event, device, "スロットのデバイスではありません")
		return
	}

	switch m.state {
	case StateOpen, StateOpening, StateClosing:
		m.closeLocked(event)
	case StateAwaitingPermission:
		if !detached {
			m.ignoreLocked(event, device, "権限要求の応答待ち")
			return
		}
		// 権限待ちのまま取り外されたデバイスは応答が来ないため、スロットを解放する
		m.transitionLocked(StateIdle, device)
		m.clearCurrentLocked()
	default:
		m.ignoreLocked(event, device, "カメラが開かれていません")
	}
}

// closeLocked はカメラを閉じて Closed へ遷移する（ロック済み前提）
// 順序: 発行停止 → Close → コールバック解除 → バスのクリア
func (m *Manager) closeLocked(reason string) {
	device := m.current
	m.transitionLocked(StateClosing, device)

	m.openGen.Store(0)
	if err := m.adapter.Close(); err != nil {
		m.lastErr = errors.Wrapf(err, "カメラのクローズに失敗: %s", device)
		m.log.WithError(err).WithField("device", device.String()).Warn("カメラのクローズに失敗しました")
	}
	m.closes++
	m.adapter.RegisterFrameCallback(nil)
	m.setFailureHandler(nil)
	m.bus.Clear()

	m.transitionLocked(StateClosed, device)
	m.clearCurrentLocked()

	m.log.WithFields(logrus.Fields{
		"device": device.String(),
		"reason": reason,
	}).Info("カメラを閉じました")
}

// frameCallback は世代 gen の Open に紐づくフレームコールバックを作る
func (m *Manager) frameCallback(gen uint64) FrameCallback {
	return func(data []byte, width, height int, timestampMs int64) {
		if m.openGen.Load() != gen {
			m.dropped.Add(1)
			return
		}
		m.bus.Publish(framebus.Frame{
			Data:       data,
			Width:      width,
			Height:     height,
			CapturedAt: time.UnixMilli(timestampMs),
		})
	}
}

// transitionLocked は状態を変更して記録する（ロック済み前提）
func (m *Manager) transitionLocked(to State, device DeviceIdentity) {
	from := m.state
	m.state = to

	m.log.WithFields(logrus.Fields{
		"from":   from.String(),
		"to":     to.String(),
		"device": device.String(),
	}).Debug("状態遷移")

	if m.observer != nil {
		m.observer(from, to, device)
	}
}

// ignoreLocked は想定外のイベントを診断ログに残して無視する（ロック済み前提）
func (m *Manager) ignoreLocked(event string, device DeviceIdentity, reason string) {
	m.ignoredEvents++
	m.log.WithFields(logrus.Fields{
		"event":  event,
		"state":  m.state.String(),
		"device": device.String(),
		"reason": reason,
	}).Warn("イベントを無視しました")
}

func (m *Manager) clearCurrentLocked() {
	m.current = DeviceIdentity{}
	m.hasCurrent = false
}
