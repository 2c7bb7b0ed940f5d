//go:build linux

package camera

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"camstream/internal/logging"
)

const (
	defaultPermissionRetries  = 10
	defaultPermissionInterval = 200 * time.Millisecond
)

// DevWatcher はデバイスディレクトリを監視してUSBカメラの接続・取り外しを通知する
//
// イベントは単一のゴルーチンから配送される。権限の結果は別のゴルーチンから届く。
type DevWatcher struct {
	discovery Discovery
	log       *logrus.Entry

	// udev が権限を設定し終えるまで待つ
	permissionRetries  int
	permissionInterval time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	handler  EventHandler
	known    map[string]DeviceIdentity
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	accessFn func(path string) error
}

// NewDevWatcher は新しいDevWatcherを作成する
func NewDevWatcher(discovery Discovery) (*DevWatcher, error) {
	return &DevWatcher{
		discovery:          discovery,
		log:                logging.Component("devwatcher"),
		permissionRetries:  defaultPermissionRetries,
		permissionInterval: defaultPermissionInterval,
		known:              make(map[string]DeviceIdentity),
		accessFn: func(path string) error {
			return unix.Access(path, unix.R_OK|unix.W_OK)
		},
	}, nil
}

// Register はデバイスディレクトリの監視を開始する
// 既に接続されているデバイスは接続イベントとして通知される
func (w *DevWatcher) Register(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return errors.New("デバイス監視は既に開始されています")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "ファイル監視の作成に失敗")
	}
	if err := watcher.Add(w.discovery.DeviceDir()); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "デバイスディレクトリの監視に失敗: %s", w.discovery.DeviceDir())
	}

	w.watcher = watcher
	w.handler = handler
	w.known = make(map[string]DeviceIdentity)
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.run(w.ctx, watcher, handler)

	w.log.WithField("dir", w.discovery.DeviceDir()).Info("デバイス監視を開始しました")
	return nil
}

// Unregister は監視を停止し、配送ゴルーチンの終了を待つ
func (w *DevWatcher) Unregister() error {
	w.mu.Lock()
	watcher := w.watcher
	if watcher == nil {
		w.mu.Unlock()
		return nil
	}
	w.watcher = nil
	w.handler = nil
	w.cancel()
	w.mu.Unlock()

	err := watcher.Close()
	w.wg.Wait()

	if err != nil {
		return errors.Wrap(err, "ファイル監視の停止に失敗")
	}
	w.log.Info("デバイス監視を停止しました")
	return nil
}

// RequestPermission はデバイスノードの読み書き権限を非同期に確認する
func (w *DevWatcher) RequestPermission(device DeviceIdentity) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return errors.New("デバイス監視が開始されていません")
	}

	w.wg.Add(1)
	go w.checkPermission(w.ctx, w.handler, device)
	return nil
}

func (w *DevWatcher) checkPermission(ctx context.Context, handler EventHandler, device DeviceIdentity) {
	defer w.wg.Done()

	var err error
	for attempt := 0; attempt <= w.permissionRetries; attempt++ {
		if err = w.accessFn(device.ID); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.permissionInterval):
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.log.WithError(err).WithField("device", device.String()).Warn("デバイスへのアクセス権限がありません")
		handler.OnPermissionDenied(device)
		return
	}
	handler.OnPermissionGranted(device, ControlHandle{Device: device.ID, GrantedAt: time.Now()})
}

// run はイベントループ。起動直後に既存デバイスを通知する
func (w *DevWatcher) run(ctx context.Context, watcher *fsnotify.Watcher, handler EventHandler) {
	defer w.wg.Done()

	devices, err := w.discovery.ScanDevices(ctx)
	if err != nil {
		w.log.WithError(err).Warn("既存デバイスのスキャンに失敗しました")
	}
	for _, device := range devices {
		w.attach(ctx, handler, device)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, handler, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("デバイス監視でエラーが発生しました")
		}
	}
}

func (w *DevWatcher) handleEvent(ctx context.Context, handler EventHandler, event fsnotify.Event) {
	if !videoNodePattern.MatchString(filepath.Base(event.Name)) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		if w.discovery.IsDeviceAvailable(ctx, event.Name) {
			w.attach(ctx, handler, event.Name)
		}
	case event.Has(fsnotify.Remove):
		identity, ok := w.known[event.Name]
		if !ok {
			return
		}
		delete(w.known, event.Name)
		w.log.WithField("device", identity.String()).Info("デバイスが取り外されました")
		handler.OnDetached(identity)
	}
}

func (w *DevWatcher) attach(ctx context.Context, handler EventHandler, device string) {
	if _, ok := w.known[device]; ok {
		return
	}
	identity, err := w.discovery.Identify(ctx, device)
	if err != nil {
		w.log.WithError(err).WithField("device", device).Warn("デバイスの識別に失敗しました")
		identity = DeviceIdentity{ID: device}
	}
	w.known[device] = identity

	w.log.WithFields(logrus.Fields{
		"device":  identity.String(),
		"product": identity.Product,
	}).Info("デバイスが接続されました")
	handler.OnAttach(identity)
}
