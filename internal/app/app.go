// Package app はカメラマネージャーと配信サーバーを束ねて起動・停止する
package app

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"camstream/internal/camera"
	"camstream/internal/config"
	"camstream/internal/framebus"
	"camstream/internal/logging"
	"camstream/internal/server"
)

// App はフレームバス・カメラマネージャー・配信サーバーを所有するコーディネーター
type App struct {
	config  *config.Config
	bus     *framebus.Bus
	manager *camera.Manager
	server  *server.Server
	log     *logrus.Entry

	mu      sync.Mutex
	started bool
}

// New は設定のカメラソースに応じて各コンポーネントを組み立てる
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	source, adapter, err := buildCamera(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithComponents(cfg, source, adapter), nil
}

// NewWithComponents は外部から渡したイベントソースとアダプタで組み立てる
func NewWithComponents(cfg *config.Config, source camera.DeviceEventSource, adapter camera.CaptureAdapter) *App {
	bus := framebus.New()
	manager := camera.NewManager(source, adapter, bus, camera.PreviewConfig{
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		Format: cfg.Camera.Format,
		FPS:    cfg.Camera.FPS,
	})

	return &App{
		config:  cfg,
		bus:     bus,
		manager: manager,
		server:  server.New(cfg, bus),
		log:     logging.Component("app"),
	}
}

func buildCamera(cfg *config.Config) (camera.DeviceEventSource, camera.CaptureAdapter, error) {
	switch cfg.Camera.Source {
	case config.SourceV4L2:
		watcher, err := camera.NewDevWatcher(camera.NewSysfsDiscovery(cfg.Camera.DeviceDir, ""))
		if err != nil {
			return nil, nil, errors.Wrap(err, "デバイス監視の作成に失敗")
		}
		adapter, err := camera.NewV4L2Adapter()
		if err != nil {
			return nil, nil, errors.Wrap(err, "V4L2アダプタの作成に失敗")
		}
		return watcher, adapter, nil
	case config.SourceTestPattern:
		return camera.NewSimulatedSource(camera.TestPatternDevice), camera.NewTestPatternAdapter(), nil
	default:
		return nil, nil, errors.Errorf("不明なカメラソース: %s", cfg.Camera.Source)
	}
}

// Start はサーバーを起動してからカメラマネージャーを開始する
// 途中で失敗した場合は、起動済みのものを止めてからエラーを返す
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("既に起動しています")
	}

	if err := a.server.Start(ctx); err != nil {
		return errors.Wrap(err, "配信サーバーの起動に失敗")
	}

	if err := a.manager.Start(); err != nil {
		if stopErr := a.server.Stop(ctx); stopErr != nil {
			a.log.WithError(stopErr).Warn("起動失敗後のサーバー停止に失敗しました")
		}
		return errors.Wrap(err, "カメラマネージャーの開始に失敗")
	}

	a.started = true
	a.log.WithFields(logrus.Fields{
		"addr":   a.server.Addr().String(),
		"camera": a.config.Camera.ID,
		"source": a.config.Camera.Source,
	}).Info("camstreamを起動しました")
	return nil
}

// Stop はカメラマネージャーとサーバーを停止する
// Start が途中までしか成功していなくても両方を解放する
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if stopErr := a.manager.Stop(); stopErr != nil {
		err = multierr.Append(err, errors.Wrap(stopErr, "カメラマネージャーの停止に失敗"))
	}
	if stopErr := a.server.Stop(ctx); stopErr != nil {
		err = multierr.Append(err, errors.Wrap(stopErr, "配信サーバーの停止に失敗"))
	}

	a.started = false
	a.log.Info("camstreamを停止しました")
	return err
}

// Run は Start してから ctx が終わるまで待ち、Stop する
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	// 停止処理は呼び出し元のキャンセルとは独立に最後まで行う
	return a.Stop(context.WithoutCancel(ctx))
}

// Bus はフレームバスを返す
func (a *App) Bus() *framebus.Bus {
	return a.bus
}

// Manager はカメラマネージャーを返す
func (a *App) Manager() *camera.Manager {
	return a.manager
}

// Server は配信サーバーを返す
func (a *App) Server() *server.Server {
	return a.server
}
