// Package logging はlogrusの初期化とginのリクエストログを提供する
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"camstream/internal/config"
)

// Setup は標準ロガーをログ設定に合わせて構成する
func Setup(cfg config.LogConfig) error {
	return Configure(logrus.StandardLogger(), cfg)
}

// Configure は指定したロガーを構成する
func Configure(logger *logrus.Logger, cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return errors.Wrapf(err, "無効なログレベル: %s", cfg.Level)
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return errors.Errorf("無効なログフォーマット: %s", cfg.Format)
	}

	logger.SetOutput(os.Stderr)
	return nil
}

// Component はコンポーネント名付きのログエントリを返す
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// GinLogger はリクエスト完了時に1行のアクセスログを出力するginミドルウェア
// ストリーミングリクエストはセッション終了時に記録される
func GinLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
			"bytes":     c.Writer.Size(),
		})

		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		if c.Writer.Status() >= 500 {
			entry.Error("リクエスト処理に失敗")
			return
		}
		entry.Debug("リクエスト完了")
	}
}
