package camera

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camstream/internal/framebus"
)

var (
	testDevice  = DeviceIdentity{ID: "/dev/video0", VendorID: 0x046d, ProductID: 0x0825, Product: "C270"}
	otherDevice = DeviceIdentity{ID: "/dev/video2", VendorID: 0x0c45, ProductID: 0x6366, Product: "USB Camera"}
	testPreview = PreviewConfig{Width: 640, Height: 480, Format: "MJPEG", FPS: 30}
)

// transitionRecorder は状態遷移を記録する
type transitionRecorder struct {
	mu    sync.Mutex
	steps []State
}

func (r *transitionRecorder) observe(_, to State, _ DeviceIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, to)
}

func (r *transitionRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]State, len(r.steps))
	copy(result, r.steps)
	return result
}

func (r *transitionRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = nil
}

type managerFixture struct {
	manager  *Manager
	source   *MockEventSource
	adapter  *MockCaptureAdapter
	bus      *framebus.Bus
	recorder *transitionRecorder
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	f := &managerFixture{
		source:   NewMockEventSource(),
		adapter:  NewMockCaptureAdapter(),
		bus:      framebus.New(),
		recorder: &transitionRecorder{},
	}
	f.manager = NewManager(f.source, f.adapter, f.bus, testPreview,
		WithLogger(logrus.NewEntry(logger)),
		WithTransitionObserver(f.recorder.observe),
	)
	require.NoError(t, f.manager.Start())
	return f
}

// openCamera は接続から権限付与までを行い Open 状態にする
func (f *managerFixture) openCamera(t *testing.T, device DeviceIdentity) {
	t.Helper()
	require.NoError(t, f.source.Attach(device))
	require.NoError(t, f.source.Grant(device))
	require.Equal(t, StateOpen, f.manager.State())
}

func TestManager_AttachGrantDisconnect(t *testing.T) {
	f := newManagerFixture(t)

	require.NoError(t, f.source.Attach(testDevice))
	assert.Equal(t, []DeviceIdentity{testDevice}, f.source.PermissionRequests())

	require.NoError(t, f.source.Grant(testDevice))
	require.NoError(t, f.source.Disconnect(testDevice))

	assert.Equal(t, []State{
		StateAwaitingPermission,
		StateOpening,
		StateOpen,
		StateClosing,
		StateClosed,
	}, f.recorder.states())
	assert.Equal(t, 1, f.adapter.OpenCalls())
	assert.Equal(t, 1, f.adapter.CloseCalls())
	assert.Equal(t, testPreview, f.adapter.LastConfig())

	_, ok := f.manager.Current()
	assert.False(t, ok)
}

func TestManager_PermissionDenied(t *testing.T) {
	f := newManagerFixture(t)

	require.NoError(t, f.source.Attach(testDevice))
	require.NoError(t, f.source.Deny(testDevice))

	assert.Equal(t, []State{
		StateAwaitingPermission,
		StatePermissionDenied,
		StateIdle,
	}, f.recorder.states())
	assert.Zero(t, f.adapter.OpenCalls())
	assert.Zero(t, f.adapter.CloseCalls())
	assert.Equal(t, StateIdle, f.manager.State())
}

func TestManager_IgnoredEvents(t *testing.T) {
	testCases := []struct {
		name        string
		setupOpen   bool
		deliver     func(f *managerFixture) error
		wantState   State
		wantOpens   int
		wantRequest int
	}{
		{
			name:      "Open中の重複した権限付与",
			setupOpen: true,
			deliver: func(f *managerFixture) error {
				return f.source.Grant(testDevice)
			},
			wantState:   StateOpen,
			wantOpens:   1,
			wantRequest: 1,
		},
		{
			name:      "Open中の別デバイスの接続",
			setupOpen: true,
			deliver: func(f *managerFixture) error {
				return f.source.Attach(otherDevice)
			},
			wantState:   StateOpen,
			wantOpens:   1,
			wantRequest: 1,
		},
		{
			name:      "Open中の別デバイスの切断",
			setupOpen: true,
			deliver: func(f *managerFixture) error {
				return f.source.Disconnect(otherDevice)
			},
			wantState:   StateOpen,
			wantOpens:   1,
			wantRequest: 1,
		},
		{
			name: "要求していない権限付与",
			deliver: func(f *managerFixture) error {
				return f.source.Grant(testDevice)
			},
			wantState: StateIdle,
		},
		{
			name: "要求していない権限拒否",
			deliver: func(f *managerFixture) error {
				return f.source.Deny(testDevice)
			},
			wantState: StateIdle,
		},
		{
			name: "待機中の切断",
			deliver: func(f *managerFixture) error {
				return f.source.Disconnect(testDevice)
			},
			wantState: StateIdle,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newManagerFixture(t)
			if tc.setupOpen {
				f.openCamera(t, testDevice)
			}
			before := f.manager.Stats().IgnoredEvents

			require.NoError(t, tc.deliver(f))

			assert.Equal(t, tc.wantState, f.manager.State())
			assert.Equal(t, tc.wantOpens, f.adapter.OpenCalls())
			assert.Len(t, f.source.PermissionRequests(), tc.wantRequest)
			assert.Equal(t, before+1, f.manager.Stats().IgnoredEvents)
			assert.Zero(t, f.adapter.CloseCalls())
		})
	}
}

func TestManager_AwaitingPermission(t *testing.T) {
	t.Run("権限待ちの取り外しでIdleに戻る", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.source.Attach(testDevice))
		require.NoError(t, f.source.Detach(testDevice))

		assert.Equal(t, []State{StateAwaitingPermission, StateIdle}, f.recorder.states())
		assert.Zero(t, f.adapter.CloseCalls())

		// 取り外し後の権限付与は無視される
		require.NoError(t, f.source.Grant(testDevice))
		assert.Equal(t, StateIdle, f.manager.State())
		assert.Zero(t, f.adapter.OpenCalls())
	})

	t.Run("権限待ちの切断は無視される", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.source.Attach(testDevice))
		require.NoError(t, f.source.Disconnect(testDevice))

		assert.Equal(t, StateAwaitingPermission, f.manager.State())
	})

	t.Run("権限待ち中の別デバイスの接続は無視される", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.source.Attach(testDevice))
		require.NoError(t, f.source.Attach(otherDevice))

		assert.Equal(t, StateAwaitingPermission, f.manager.State())
		current, ok := f.manager.Current()
		require.True(t, ok)
		assert.Equal(t, testDevice, current)
		assert.Len(t, f.source.PermissionRequests(), 1)
	})

	t.Run("別デバイスへの権限付与は無視される", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.source.Attach(testDevice))
		require.NoError(t, f.source.Grant(otherDevice))

		assert.Equal(t, StateAwaitingPermission, f.manager.State())
		assert.Zero(t, f.adapter.OpenCalls())
	})
}

func TestManager_OpenFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.SetOpenError(errors.New("device busy"))

	require.NoError(t, f.source.Attach(testDevice))
	require.NoError(t, f.source.Grant(testDevice))

	assert.Equal(t, []State{StateAwaitingPermission, StateOpening, StateIdle}, f.recorder.states())
	assert.Nil(t, f.adapter.Callback())

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.OpenFailures)
	assert.Zero(t, stats.Opens)
	assert.Contains(t, stats.LastError, "device busy")

	// 自動リトライはしない
	assert.Equal(t, 1, f.adapter.OpenCalls())

	// 再接続で再び開ける
	f.adapter.SetOpenError(nil)
	f.openCamera(t, testDevice)
	assert.Equal(t, 2, f.adapter.OpenCalls())
}

func TestManager_PermissionRequestFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.source.SetRequestError(errors.New("usb manager unavailable"))

	require.NoError(t, f.source.Attach(testDevice))

	assert.Equal(t, []State{StateAwaitingPermission, StateIdle}, f.recorder.states())
	assert.Contains(t, f.manager.Stats().LastError, "usb manager unavailable")
}

func TestManager_SynchronousPermission(t *testing.T) {
	// 権限の結果が RequestPermission の中で同期的に届いてもデッドロックしない
	f := newManagerFixture(t)
	f.source.AutoGrant = true

	require.NoError(t, f.source.Attach(testDevice))

	assert.Equal(t, StateOpen, f.manager.State())
	assert.Equal(t, 1, f.adapter.OpenCalls())
}

func TestManager_Reattach(t *testing.T) {
	f := newManagerFixture(t)
	f.openCamera(t, testDevice)
	require.NoError(t, f.source.Detach(testDevice))
	require.Equal(t, StateClosed, f.manager.State())

	f.recorder.reset()
	f.openCamera(t, otherDevice)

	assert.Equal(t, []State{StateAwaitingPermission, StateOpening, StateOpen}, f.recorder.states())
	stats := f.manager.Stats()
	assert.Equal(t, uint64(2), stats.Opens)
	assert.Equal(t, uint64(1), stats.Closes)
	assert.Equal(t, otherDevice, stats.Device)
}

func TestManager_FramesReachBus(t *testing.T) {
	f := newManagerFixture(t)

	// Open 前のフレームは届かない
	assert.False(t, f.adapter.Emit([]byte{0xff, 0xd8}))

	f.openCamera(t, testDevice)
	require.True(t, f.adapter.Emit(bytes.Repeat([]byte{1}, 100)))
	require.True(t, f.adapter.Emit(bytes.Repeat([]byte{2}, 120)))

	frame, ok := f.bus.Latest()
	require.True(t, ok)
	assert.Equal(t, 120, frame.Size())
	assert.Equal(t, testPreview.Width, frame.Width)
	assert.Equal(t, testPreview.Height, frame.Height)
}

func TestManager_CloseClearsBus(t *testing.T) {
	testCases := []struct {
		name  string
		close func(f *managerFixture)
	}{
		{"切断", func(f *managerFixture) { _ = f.source.Disconnect(testDevice) }},
		{"取り外し", func(f *managerFixture) { _ = f.source.Detach(testDevice) }},
		{"キャプチャ失敗", func(f *managerFixture) { f.manager.OnCaptureFailure(errors.New("read error")) }},
		{"アダプタからの失敗通知", func(f *managerFixture) { f.adapter.Fail(errors.New("read error")) }},
		{"停止", func(f *managerFixture) { _ = f.manager.Stop() }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newManagerFixture(t)
			f.openCamera(t, testDevice)
			require.True(t, f.adapter.Emit(bytes.Repeat([]byte{7}, 90)))

			staleCallback := f.adapter.Callback()
			require.NotNil(t, staleCallback)

			tc.close(f)

			assert.Equal(t, StateClosed, f.manager.State())
			assert.Equal(t, 1, f.adapter.CloseCalls())
			assert.Nil(t, f.adapter.Callback())
			_, ok := f.bus.Latest()
			assert.False(t, ok, "クローズ後にバスが空になっていない")

			// クローズ後に遅れて届いたフレームは発行されない
			f.adapter.EmitUnchecked(staleCallback, bytes.Repeat([]byte{8}, 110))
			_, ok = f.bus.Latest()
			assert.False(t, ok, "クローズ後のフレームが発行された")
			assert.Equal(t, uint64(1), f.manager.Stats().DroppedFrames)
		})
	}
}

func TestManager_StaleCallbackAfterReopen(t *testing.T) {
	f := newManagerFixture(t)
	f.openCamera(t, testDevice)
	staleCallback := f.adapter.Callback()
	require.NoError(t, f.source.Disconnect(testDevice))

	f.openCamera(t, testDevice)
	require.True(t, f.adapter.Emit(bytes.Repeat([]byte{1}, 105)))

	// 前の Open の世代のコールバックは新しいフレームを上書きしない
	f.adapter.EmitUnchecked(staleCallback, bytes.Repeat([]byte{9}, 42))

	frame, ok := f.bus.Latest()
	require.True(t, ok)
	assert.Equal(t, 105, frame.Size())
}

func TestManager_LateCaptureFailureFromPreviousOpen(t *testing.T) {
	f := newManagerFixture(t)
	f.openCamera(t, testDevice)
	staleHandler := f.adapter.FailureHandler()
	require.NotNil(t, staleHandler)

	require.NoError(t, f.source.Detach(testDevice))
	assert.Nil(t, f.adapter.FailureHandler())
	f.openCamera(t, testDevice)

	// 取り外し前の Open の失敗が遅れて届いても、開き直したカメラは閉じない
	staleHandler(errors.New("late read error"))
	assert.Equal(t, StateOpen, f.manager.State())
	assert.True(t, f.adapter.IsOpen())
	assert.Equal(t, 1, f.adapter.CloseCalls())

	// 今の Open の失敗は切断として扱う
	require.True(t, f.adapter.Fail(errors.New("read error")))
	assert.Equal(t, StateClosed, f.manager.State())
	assert.Equal(t, 2, f.adapter.CloseCalls())
}

func TestManager_CaptureFailureWhileNotOpen(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.OnCaptureFailure(errors.New("late failure"))

	assert.Equal(t, StateIdle, f.manager.State())
	assert.Equal(t, uint64(1), f.manager.Stats().IgnoredEvents)
}

func TestManager_Stop(t *testing.T) {
	t.Run("一度も開いていない状態で停止", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.manager.Stop())

		assert.Equal(t, StateClosed, f.manager.State())
		assert.Zero(t, f.adapter.CloseCalls())
		assert.Nil(t, f.source.Handler())
	})

	t.Run("二重停止", func(t *testing.T) {
		f := newManagerFixture(t)
		f.openCamera(t, testDevice)
		require.NoError(t, f.manager.Stop())
		require.NoError(t, f.manager.Stop())

		assert.Equal(t, 1, f.adapter.CloseCalls())
	})

	t.Run("停止後のイベントは無視される", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.manager.Stop())
		f.recorder.reset()

		f.manager.OnAttach(testDevice)
		f.manager.OnPermissionGranted(testDevice, ControlHandle{Device: testDevice.ID})
		f.manager.OnDisconnected(testDevice)

		assert.Empty(t, f.recorder.states())
		assert.Zero(t, f.adapter.OpenCalls())
		assert.Empty(t, f.source.PermissionRequests())
	})

	t.Run("開始前の停止", func(t *testing.T) {
		m := NewManager(NewMockEventSource(), NewMockCaptureAdapter(), framebus.New(), testPreview)
		require.NoError(t, m.Stop())
		assert.Equal(t, StateClosed, m.State())
	})
}

func TestManager_Start(t *testing.T) {
	t.Run("二重開始は一度だけ登録する", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.manager.Start())
		assert.Equal(t, 1, f.source.Registered())
	})

	t.Run("登録失敗", func(t *testing.T) {
		source := NewMockEventSource()
		source.SetRegisterError(errors.New("no usb service"))
		m := NewManager(source, NewMockCaptureAdapter(), framebus.New(), testPreview)

		err := m.Start()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no usb service")

		// 失敗後は開始していない扱い
		m.OnAttach(testDevice)
		assert.Equal(t, StateIdle, m.State())
	})
}

// blockingSource は release が閉じられるまで Register を止める
type blockingSource struct {
	*MockEventSource
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) Register(handler EventHandler) error {
	close(s.entered)
	<-s.release
	return s.MockEventSource.Register(handler)
}

func TestManager_StopWaitsForRegister(t *testing.T) {
	source := &blockingSource{
		MockEventSource: NewMockEventSource(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	m := NewManager(source, NewMockCaptureAdapter(), framebus.New(), testPreview, WithLogger(logrus.NewEntry(logger)))

	startErr := make(chan error, 1)
	go func() { startErr <- m.Start() }()

	select {
	case <-source.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Register が呼ばれない")
	}

	stopErr := make(chan error, 1)
	go func() { stopErr <- m.Stop() }()

	// 登録中の Stop は登録の完了を待つ
	select {
	case <-stopErr:
		t.Fatal("Register の完了前に Stop が戻った")
	case <-time.After(50 * time.Millisecond):
	}

	close(source.release)

	for _, ch := range []chan error{startErr, stopErr} {
		select {
		case err := <-ch:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Start / Stop が終わらない")
		}
	}

	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 1, source.Registered())
	assert.Nil(t, source.Handler(), "Stop 後もイベントソースに登録されたまま")
}

func TestManager_ConcurrentEventsAndStop(t *testing.T) {
	f := newManagerFixture(t)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			device := testDevice
			if worker%2 == 1 {
				device = otherDevice
			}
			for j := 0; j < 200; j++ {
				f.manager.OnAttach(device)
				f.manager.OnPermissionGranted(device, ControlHandle{Device: device.ID})
				f.adapter.Emit([]byte{byte(j)})
				if j%3 == 0 {
					f.manager.OnDetached(device)
				} else {
					f.manager.OnDisconnected(device)
				}
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_ = f.manager.Stop()
	}()

	close(start)
	wg.Wait()

	assert.Equal(t, StateClosed, f.manager.State())
	stats := f.manager.Stats()
	assert.Equal(t, stats.Opens, stats.Closes, "開いたカメラがすべて閉じられていない")
	assert.False(t, f.adapter.IsOpen())
	_, ok := f.bus.Latest()
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	testCases := []struct {
		state State
		want  string
	}{
		{StateIdle, "Idle"},
		{StateAwaitingPermission, "AwaitingPermission"},
		{StatePermissionDenied, "PermissionDenied"},
		{StateOpening, "Opening"},
		{StateOpen, "Open"},
		{StateClosing, "Closing"},
		{StateClosed, "Closed"},
		{State(42), "State(42)"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.state.String())
		})
	}
}
