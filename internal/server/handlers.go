package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// errorResponse はエラー時のJSONレスポンス
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealth はヘルスチェックエンドポイント
// カメラの状態とは関係なく常に200を返す
func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// handleStream はMJPEGストリーミングエンドポイント
func (s *Server) handleStream(c *gin.Context) {
	cameraID := c.Param("cameraId")
	if cameraID != s.config.Camera.ID {
		c.JSON(http.StatusNotFound, errorResponse{
			Error:     "camera_not_found",
			Message:   "指定されたカメラが見つかりません",
			Timestamp: time.Now(),
		})
		return
	}

	sess, ok := s.sessions.add(c.ClientIP())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, errorResponse{
			Error:     "server_stopping",
			Message:   "サーバーは停止処理中です",
			Timestamp: time.Now(),
		})
		return
	}
	defer s.endSession(sess)

	log := s.log.WithFields(logrus.Fields{
		"session": sess.id,
		"client":  sess.remote,
	})
	log.Info("ストリーミングを開始しました")

	// レスポンスヘッダーを設定して即座に送る
	header := c.Writer.Header()
	header.Set("Content-Type", "multipart/x-mixed-replace; boundary="+s.boundary)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")
	header.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()
	quit := s.stoppingCh()

	for {
		// カメラがない間はチャンクを書かずに接続を維持する
		if frame, ok := s.bus.Latest(); ok {
			n, err := writePart(c.Writer, s.boundary, frame.Data)
			sess.bytes += int64(n)
			if err != nil {
				// 再試行はしない。クライアントが再接続する
				sess.err = err
				return
			}
			c.Writer.Flush()
			sess.frames++
		}

		select {
		case <-clientGone:
			return
		case <-quit:
			return
		case <-ticker.C:
		}
	}
}

// endSession はセッションを登録解除して結果を記録する
func (s *Server) endSession(sess *session) {
	s.sessions.remove(sess)

	entry := s.log.WithFields(logrus.Fields{
		"session":  sess.id,
		"client":   sess.remote,
		"frames":   sess.frames,
		"bytes":    sess.bytes,
		"duration": time.Since(sess.startedAt).String(),
	})
	if sess.err != nil {
		entry.WithError(sess.err).Info("クライアントへの書き込みに失敗したためストリーミングを終了しました")
		return
	}
	entry.Info("ストリーミングを終了しました")
}

// writePart はマルチパートの1パートを書き込み、書き込んだバイト数を返す
func writePart(w io.Writer, boundary string, data []byte) (int, error) {
	total := 0

	n, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data))
	total += n
	if err != nil {
		return total, err
	}

	n, err = w.Write(data)
	total += n
	if err != nil {
		return total, err
	}

	n, err = io.WriteString(w, "\r\n")
	total += n
	return total, err
}
