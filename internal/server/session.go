package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session は1クライアント分の配信状態
// frames / bytes / err はセッションのハンドラだけが触る
type session struct {
	id        string
	remote    string
	startedAt time.Time

	frames uint64
	bytes  int64
	err    error
}

// sessionRegistry は配信中のセッションを管理する
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session)}
}

// add は新しいセッションを登録する。停止処理が始まっていれば false
func (r *sessionRegistry) add(remote string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false
	}
	sess := &session{
		id:        uuid.NewString(),
		remote:    remote,
		startedAt: time.Now(),
	}
	r.sessions[sess.id] = sess
	r.wg.Add(1)
	return sess, true
}

func (r *sessionRegistry) remove(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sess.id]; !ok {
		return
	}
	delete(r.sessions, sess.id)
	r.wg.Done()
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// wait は新規登録を締め切り、全セッションの終了を最大 timeout まで待つ
// 全セッションが終了していれば true
func (r *sessionRegistry) wait(ctx context.Context, timeout time.Duration) bool {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
