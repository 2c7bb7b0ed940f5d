package camera

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"camstream/internal/logging"
)

// TestPatternDevice は SimulatedSource が通知する仮想デバイス
var TestPatternDevice = DeviceIdentity{
	ID:      "testpattern0",
	Product: "テストパターン",
}

// TestPatternAdapter は動くカラーバーのJPEGを生成する CaptureAdapter
// カメラがない環境での動作確認に使う
type TestPatternAdapter struct {
	log     *logrus.Entry
	quality int

	mu       sync.Mutex
	callback FrameCallback
	open     bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTestPatternAdapter は新しいTestPatternAdapterを作成する
func NewTestPatternAdapter() *TestPatternAdapter {
	return &TestPatternAdapter{
		log:     logging.Component("testpattern"),
		quality: 75,
	}
}

// Open はフレーム生成を開始する
func (a *TestPatternAdapter) Open(_ ControlHandle, cfg PreviewConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open {
		return ErrAlreadyOpen
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errors.Errorf("無効な解像度: %dx%d", cfg.Width, cfg.Height)
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}

	a.open = true
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.generate(cfg.Width, cfg.Height, time.Second/time.Duration(fps), a.stopCh)

	a.log.WithFields(logrus.Fields{
		"width":  cfg.Width,
		"height": cfg.Height,
		"fps":    fps,
	}).Info("テストパターンの生成を開始しました")
	return nil
}

// Close はフレーム生成を停止し、生成ゴルーチンの終了を待つ
func (a *TestPatternAdapter) Close() error {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return ErrNotOpen
	}
	a.open = false
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

// RegisterFrameCallback はフレームコールバックを登録する
func (a *TestPatternAdapter) RegisterFrameCallback(fn FrameCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = fn
}

func (a *TestPatternAdapter) generate(width, height int, interval time.Duration, stopCh <-chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	frame := 0

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		drawPattern(img, frame)
		frame++

		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: a.quality}); err != nil {
			a.log.WithError(err).Warn("JPEGエンコードに失敗しました")
			continue
		}
		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())

		a.mu.Lock()
		cb := a.callback
		a.mu.Unlock()
		if cb != nil {
			cb(data, width, height, time.Now().UnixMilli())
		}
	}
}

var colorBars = []color.RGBA{
	{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0x00, A: 0xff},
	{R: 0x00, G: 0x00, B: 0xc0, A: 0xff},
}

// drawPattern はフレーム番号に応じて横に流れるカラーバーを描く
func drawPattern(img *image.RGBA, frame int) {
	bounds := img.Bounds()
	width := bounds.Dx()
	barWidth := width / len(colorBars)
	if barWidth == 0 {
		barWidth = 1
	}
	shift := (frame * 4) % width

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			idx := ((x + shift) % width) / barWidth
			if idx >= len(colorBars) {
				idx = len(colorBars) - 1
			}
			img.SetRGBA(x, y, colorBars[idx])
		}
	}
}

// SimulatedSource は仮想デバイスを1台だけ持つ DeviceEventSource
// Register で接続を通知し、権限要求には常に許可を返す
type SimulatedSource struct {
	device DeviceIdentity
	log    *logrus.Entry

	mu      sync.Mutex
	handler EventHandler
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSimulatedSource は新しいSimulatedSourceを作成する
func NewSimulatedSource(device DeviceIdentity) *SimulatedSource {
	return &SimulatedSource{
		device: device,
		log:    logging.Component("simulated-source"),
	}
}

// Register は仮想デバイスの接続を非同期に通知する
func (s *SimulatedSource) Register(handler EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler != nil {
		return errors.New("イベントソースは既に登録されています")
	}
	s.handler = handler
	s.stopCh = make(chan struct{})

	s.deliver(func(h EventHandler) { h.OnAttach(s.device) })
	return nil
}

// Unregister は通知を停止し、配送中のイベントの完了を待つ
func (s *SimulatedSource) Unregister() error {
	s.mu.Lock()
	if s.handler == nil {
		s.mu.Unlock()
		return nil
	}
	s.handler = nil
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RequestPermission は非同期に権限を付与する
func (s *SimulatedSource) RequestPermission(device DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler == nil {
		return errors.New("イベントソースが登録されていません")
	}
	if !device.SameDevice(s.device) {
		return errors.Errorf("不明なデバイス: %s", device)
	}

	s.deliver(func(h EventHandler) {
		h.OnPermissionGranted(device, ControlHandle{Device: device.ID, GrantedAt: time.Now()})
	})
	return nil
}

// deliver はロックの外でイベントを配送する（ロック済み前提）
func (s *SimulatedSource) deliver(fn func(EventHandler)) {
	handler := s.handler
	stopCh := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-stopCh:
			return
		default:
		}
		fn(handler)
	}()
}
