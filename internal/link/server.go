package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	apperrors "github.com/koopa0/gblink/pkg/errors"
)

// Server link TCP 伺服器
type Server struct {
	registry *Registry
	addr     string
	cfg      SessionConfig
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closing  bool
	quit     chan struct{}

	wg sync.WaitGroup
}

// NewServer 創建 link 伺服器
func NewServer(registry *Registry, addr string, cfg SessionConfig) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		registry: registry,
		addr:     addr,
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[*session]struct{}),
		quit:     make(chan struct{}),
	}
}

// Listen 綁定埠號並告知登記表，之後才能建立房間
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("link 伺服器監聽失敗: %w", err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	if err := s.registry.SetListeningPort(ctx, port); err != nil {
		ln.Close()
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("link 伺服器已綁定", "addr", ln.Addr().String(), "port", port)
	return nil
}

// Addr 實際監聽位址，尚未 Listen 時為 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve 接受連線直到 Shutdown 或 ctx 結束
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("link 伺服器尚未 Listen")
	}

	go func() {
		select {
		case <-ctx.Done():
			s.closeListener()
		case <-s.quit:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("接受連線失敗: %w", err)
		}

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// ListenAndServe Listen 後 Serve
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sess := newSession(s.registry, s.cfg, conn.RemoteAddr().String())
	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(tcpWriter{conn: conn}, 0)
	}()

	buf := make([]byte, 4096)
	var readErr error
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if feedErr := sess.feed(ctx, buf[:n]); feedErr != nil {
				sess.fail(ctx, feedErr)
				break
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	sess.finish(readErr)
	<-writerDone
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closing {
		s.closing = true
		close(s.quit)
	}
	if s.listener != nil {
		s.listener.Close()
	}
}

// Shutdown 停止接受連線、關閉所有連線並等待結束
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListener()

	if err := s.registry.SetListeningPort(ctx, 0); err != nil && !errors.Is(err, apperrors.ErrRegistryStopped) {
		s.logger.Warn("清除 link 埠號失敗", "error", err)
	}

	s.mu.Lock()
	for sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("link 伺服器已關閉")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tcpWriter 以寫入期限包裝 TCP 連線
type tcpWriter struct {
	conn net.Conn
}

func (w tcpWriter) WriteFrame(frame []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err := w.conn.Write(frame)
	return err
}

func (w tcpWriter) Close() error {
	return w.conn.Close()
}
