//go:build linux

package camera

import (
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"camstream/internal/logging"
)

const (
	// pixFmtMJPEG は V4L2_PIX_FMT_MJPEG ('MJPG')
	pixFmtMJPEG webcam.PixelFormat = 0x47504A4D

	// フレーム待ちのタイムアウト（秒）。Close の応答時間の上限になる
	frameWaitTimeout uint32 = 1
	// 連続タイムアウトがこの回数を超えたらデバイス異常とみなす
	maxConsecutiveTimeouts = 5
)

// V4L2Adapter はblackjack/webcamでV4L2デバイスからMJPEGフレームを取得する CaptureAdapter
type V4L2Adapter struct {
	log *logrus.Entry

	mu        sync.Mutex
	cam       *webcam.Webcam
	callback  FrameCallback
	onFailure func(error)
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewV4L2Adapter は新しいV4L2Adapterを作成する
func NewV4L2Adapter() (*V4L2Adapter, error) {
	return &V4L2Adapter{log: logging.Component("v4l2")}, nil
}

// Open はデバイスを開き、MJPEGのプレビュー設定でストリーミングを開始する
func (a *V4L2Adapter) Open(handle ControlHandle, cfg PreviewConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cam != nil {
		return ErrAlreadyOpen
	}
	if !strings.EqualFold(cfg.Format, "MJPEG") {
		return errors.Errorf("サポートされていないピクセルフォーマット: %s", cfg.Format)
	}

	cam, err := webcam.Open(handle.Device)
	if err != nil {
		return errors.Wrapf(err, "デバイスのオープンに失敗: %s", handle.Device)
	}

	if _, ok := cam.GetSupportedFormats()[pixFmtMJPEG]; !ok {
		_ = cam.Close()
		return errors.Errorf("デバイスがMJPEGに対応していません: %s", handle.Device)
	}

	_, w, h, err := cam.SetImageFormat(pixFmtMJPEG, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		_ = cam.Close()
		return errors.Wrap(err, "画像フォーマットの設定に失敗")
	}
	if int(w) != cfg.Width || int(h) != cfg.Height {
		a.log.WithFields(logrus.Fields{
			"requested": []int{cfg.Width, cfg.Height},
			"actual":    []uint32{w, h},
		}).Warn("デバイスが要求と異なる解像度を選択しました")
	}

	if cfg.FPS > 0 {
		if err := cam.SetFramerate(float32(cfg.FPS)); err != nil {
			// 対応していないドライバもあるため続行する
			a.log.WithError(err).Debug("フレームレートの設定に失敗しました")
		}
	}

	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		return errors.Wrap(err, "ストリーミングの開始に失敗")
	}

	a.cam = cam
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.readLoop(cam, a.stopCh, a.onFailure, int(w), int(h))

	a.log.WithFields(logrus.Fields{
		"device": handle.Device,
		"width":  w,
		"height": h,
	}).Info("V4L2ストリーミングを開始しました")
	return nil
}

// Close は読み取りループを停止し、その終了を待ってからデバイスを閉じる
func (a *V4L2Adapter) Close() error {
	a.mu.Lock()
	cam := a.cam
	if cam == nil {
		a.mu.Unlock()
		return ErrNotOpen
	}
	a.cam = nil
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()

	var errs []string
	if err := cam.StopStreaming(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := cam.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.Errorf("デバイスのクローズに失敗: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RegisterFrameCallback はフレームコールバックを登録する
func (a *V4L2Adapter) RegisterFrameCallback(fn FrameCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = fn
}

// SetFailureHandler はキャプチャ失敗時のハンドラを登録する
func (a *V4L2Adapter) SetFailureHandler(fn func(err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFailure = fn
}

// onFailure は Open 時点のハンドラ。後から差し替えられても別の Open へは届かない
func (a *V4L2Adapter) readLoop(cam *webcam.Webcam, stopCh <-chan struct{}, onFailure func(error), width, height int) {
	defer a.wg.Done()

	timeouts := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		err := cam.WaitForFrame(frameWaitTimeout)
		switch err.(type) {
		case nil:
			timeouts = 0
		case *webcam.Timeout:
			timeouts++
			if timeouts > maxConsecutiveTimeouts {
				a.fail(stopCh, onFailure, errors.New("フレームが届きません"))
				return
			}
			continue
		default:
			a.fail(stopCh, onFailure, errors.Wrap(err, "フレーム待ちに失敗"))
			return
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			a.fail(stopCh, onFailure, errors.Wrap(err, "フレームの読み取りに失敗"))
			return
		}

		jpegData, ok := trimJPEG(frame)
		if !ok {
			continue
		}

		// ReadFrame のバッファはドライバに再利用されるためコピーする
		data := make([]byte, len(jpegData))
		copy(data, jpegData)

		a.mu.Lock()
		cb := a.callback
		a.mu.Unlock()
		if cb != nil {
			cb(data, width, height, time.Now().UnixMilli())
		}
	}
}

// fail はキャプチャ経路の外でハンドラを呼ぶ
func (a *V4L2Adapter) fail(stopCh <-chan struct{}, handler func(error), err error) {
	select {
	case <-stopCh:
		// Close 中のエラーは報告しない
		return
	default:
	}

	a.log.WithError(err).Error("キャプチャが異常終了しました")
	if handler != nil {
		go handler(err)
	}
}
