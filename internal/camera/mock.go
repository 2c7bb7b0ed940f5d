package camera

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MockCaptureAdapter はテスト用の CaptureAdapter 実装
type MockCaptureAdapter struct {
	mu       sync.Mutex
	callback  FrameCallback
	onFailure func(error)
	open      bool
	handle   ControlHandle
	config   PreviewConfig

	openCalls  int
	closeCalls int

	// テスト制御用
	openErr  error
	closeErr error
}

// NewMockCaptureAdapter は新しいMockCaptureAdapterを作成する
func NewMockCaptureAdapter() *MockCaptureAdapter {
	return &MockCaptureAdapter{}
}

// Open はモックカメラを開く
func (m *MockCaptureAdapter) Open(handle ControlHandle, cfg PreviewConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openCalls++
	if m.openErr != nil {
		return m.openErr
	}
	if m.open {
		return ErrAlreadyOpen
	}
	m.open = true
	m.handle = handle
	m.config = cfg
	return nil
}

// Close はモックカメラを閉じる
func (m *MockCaptureAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	if m.closeErr != nil {
		m.open = false
		return m.closeErr
	}
	if !m.open {
		return ErrNotOpen
	}
	m.open = false
	return nil
}

// RegisterFrameCallback はフレームコールバックを登録する
func (m *MockCaptureAdapter) RegisterFrameCallback(fn FrameCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = fn
}

// SetFailureHandler はキャプチャ失敗時のハンドラを登録する
func (m *MockCaptureAdapter) SetFailureHandler(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = fn
}

// FailureHandler は現在登録されている失敗ハンドラを返す
func (m *MockCaptureAdapter) FailureHandler() func(error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onFailure
}

// Fail は登録された失敗ハンドラを同期的に呼ぶ。未登録なら false
func (m *MockCaptureAdapter) Fail(err error) bool {
	handler := m.FailureHandler()
	if handler == nil {
		return false
	}
	handler(err)
	return true
}

// Emit は登録されたコールバックへフレームを1枚送る
// コールバック未登録またはカメラが閉じている場合は false
func (m *MockCaptureAdapter) Emit(data []byte) bool {
	m.mu.Lock()
	cb := m.callback
	open := m.open
	cfg := m.config
	m.mu.Unlock()

	if cb == nil || !open {
		return false
	}
	cb(data, cfg.Width, cfg.Height, time.Now().UnixMilli())
	return true
}

// EmitUnchecked は開閉状態に関係なく、登録されたコールバックを直接呼ぶ
// Close 後に遅れて届くフレームの再現に使う
func (m *MockCaptureAdapter) EmitUnchecked(cb FrameCallback, data []byte) {
	cb(data, 0, 0, time.Now().UnixMilli())
}

// Callback は現在登録されているコールバックを返す
func (m *MockCaptureAdapter) Callback() FrameCallback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callback
}

// OpenCalls は Open の呼び出し回数を返す
func (m *MockCaptureAdapter) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls
}

// CloseCalls は Close の呼び出し回数を返す
func (m *MockCaptureAdapter) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// IsOpen はモックカメラが開いているかを返す
func (m *MockCaptureAdapter) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// LastConfig は最後に Open で渡されたプレビュー設定を返す
func (m *MockCaptureAdapter) LastConfig() PreviewConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// SetOpenError はテスト用に Open の失敗を設定する
func (m *MockCaptureAdapter) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetCloseError はテスト用に Close の失敗を設定する
func (m *MockCaptureAdapter) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

// MockEventSource はテスト用の DeviceEventSource 実装
// イベントはテストコードから同期的に配送する
type MockEventSource struct {
	mu         sync.Mutex
	handler    EventHandler
	requests   []DeviceIdentity
	registered int

	// AutoGrant が true の場合、RequestPermission の中で同期的に権限を付与する
	AutoGrant bool

	registerErr error
	requestErr  error
}

// NewMockEventSource は新しいMockEventSourceを作成する
func NewMockEventSource() *MockEventSource {
	return &MockEventSource{}
}

// Register はハンドラを登録する
func (s *MockEventSource) Register(handler EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registerErr != nil {
		return s.registerErr
	}
	s.handler = handler
	s.registered++
	return nil
}

// Unregister はハンドラの登録を解除する
func (s *MockEventSource) Unregister() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	return nil
}

// RequestPermission は権限要求を記録する
func (s *MockEventSource) RequestPermission(device DeviceIdentity) error {
	s.mu.Lock()
	s.requests = append(s.requests, device)
	err := s.requestErr
	handler := s.handler
	autoGrant := s.AutoGrant
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if autoGrant && handler != nil {
		handler.OnPermissionGranted(device, ControlHandle{Device: device.ID, GrantedAt: time.Now()})
	}
	return nil
}

// Handler は登録中のハンドラを返す
func (s *MockEventSource) Handler() EventHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Registered は Register が成功した回数を返す
func (s *MockEventSource) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// PermissionRequests は記録された権限要求を返す
func (s *MockEventSource) PermissionRequests() []DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]DeviceIdentity, len(s.requests))
	copy(result, s.requests)
	return result
}

// SetRegisterError はテスト用に Register の失敗を設定する
func (s *MockEventSource) SetRegisterError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerErr = err
}

// SetRequestError はテスト用に RequestPermission の失敗を設定する
func (s *MockEventSource) SetRequestError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestErr = err
}

// Attach は登録中のハンドラへ接続イベントを配送する
func (s *MockEventSource) Attach(device DeviceIdentity) error {
	h, err := s.activeHandler()
	if err != nil {
		return err
	}
	h.OnAttach(device)
	return nil
}

// Grant は権限付与イベントを配送する
func (s *MockEventSource) Grant(device DeviceIdentity) error {
	h, err := s.activeHandler()
	if err != nil {
		return err
	}
	h.OnPermissionGranted(device, ControlHandle{Device: device.ID, GrantedAt: time.Now()})
	return nil
}

// Deny は権限拒否イベントを配送する
func (s *MockEventSource) Deny(device DeviceIdentity) error {
	h, err := s.activeHandler()
	if err != nil {
		return err
	}
	h.OnPermissionDenied(device)
	return nil
}

// Disconnect は切断イベントを配送する
func (s *MockEventSource) Disconnect(device DeviceIdentity) error {
	h, err := s.activeHandler()
	if err != nil {
		return err
	}
	h.OnDisconnected(device)
	return nil
}

// Detach は取り外しイベントを配送する
func (s *MockEventSource) Detach(device DeviceIdentity) error {
	h, err := s.activeHandler()
	if err != nil {
		return err
	}
	h.OnDetached(device)
	return nil
}

func (s *MockEventSource) activeHandler() (EventHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return nil, errors.New("ハンドラが登録されていません")
	}
	return s.handler, nil
}
