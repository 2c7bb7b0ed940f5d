package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"camstream/internal/config"
	"camstream/internal/framebus"
	"camstream/internal/logging"
)

// ErrAlreadyStarted は二重に Start したことを表す
var ErrAlreadyStarted = errors.New("server: 既に起動しています")

// boundaryPrefix はマルチパート境界トークンの接頭辞
const boundaryPrefix = "camstream"

// Option は Server の任意設定
type Option func(*Server)

// WithLogger はログ出力先を指定する
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithBoundary はマルチパート境界トークンを固定する
func WithBoundary(boundary string) Option {
	return func(s *Server) {
		s.boundary = boundary
	}
}

// Server はMJPEG配信とヘルスチェックを提供するHTTPサーバー
type Server struct {
	config   *config.Config
	bus      *framebus.Bus
	log      *logrus.Entry
	engine   *gin.Engine
	boundary string
	interval time.Duration

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
	serveErr   error
	stopping   bool

	// quit は Stop で閉じられ、すべてのセッションに終了を知らせる
	quit     chan struct{}
	sessions *sessionRegistry
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, bus *framebus.Bus, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		bus:      bus,
		log:      logging.Component("server"),
		boundary: boundaryPrefix + uniuri.NewLen(16),
		interval: cfg.Stream.Interval(),
		quit:     make(chan struct{}),
		sessions: newSessionRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), logging.GinLogger(s.log))
	s.setupRoutes()

	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/stream/:cameraId", s.handleStream)
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Boundary はマルチパート境界トークンを返す
func (s *Server) Boundary() string {
	return s.boundary
}

// SessionCount は配信中のセッション数を返す
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// Addr はリッスン中のアドレスを返す。起動前は nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start はポートをバインドし、バックグラウンドで配信を開始する
// バインドの失敗はそのまま返す
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return ErrAlreadyStarted
	}
	if s.stopping {
		return errors.New("server: 停止済みのサーバーは再起動できません")
	}

	addr := s.config.ServerAddress()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "ポートのバインドに失敗: %s", addr)
	}

	s.listener = listener
	s.serveDone = make(chan struct{})
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go s.serve(s.httpServer, listener, s.serveDone)

	s.log.WithField("addr", listener.Addr().String()).Info("HTTPサーバーを起動しました")
	return nil
}

func (s *Server) serve(httpServer *http.Server, listener net.Listener, done chan struct{}) {
	defer close(done)

	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.WithError(err).Error("HTTPサーバーが異常終了しました")
		s.mu.Lock()
		s.serveErr = err
		s.mu.Unlock()
	}
}

// Stop はすべてのセッションに終了を知らせ、一定時間待ってからサーバーを閉じる
// 起動していなくても呼べる。最後にフレームバスを空にする
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.quit)
	httpServer := s.httpServer
	serveDone := s.serveDone
	s.mu.Unlock()

	s.log.WithField("sessions", s.sessions.count()).Info("サーバーを停止しています")

	// ストリーミング中のハンドラは Shutdown を待たせるため、先にセッションを終わらせる
	if !s.sessions.wait(ctx, s.config.Stream.DrainTimeout) {
		s.log.WithField("sessions", s.sessions.count()).Warn("セッションの終了待ちがタイムアウトしました")
	}

	var stopErr error
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("グレースフルシャットダウンに失敗したため強制終了します")
			if closeErr := httpServer.Close(); closeErr != nil {
				stopErr = errors.Wrap(closeErr, "サーバーの強制終了に失敗")
			}
		}
		<-serveDone
	}

	s.bus.Clear()

	s.mu.Lock()
	serveErr := s.serveErr
	s.mu.Unlock()
	if stopErr == nil && serveErr != nil {
		stopErr = errors.Wrap(serveErr, "HTTPサーバーが異常終了していました")
	}

	s.log.Info("サーバーを停止しました")
	return stopErr
}

// stoppingCh はセッションが監視する停止通知チャンネルを返す
func (s *Server) stoppingCh() <-chan struct{} {
	return s.quit
}
