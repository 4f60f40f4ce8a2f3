package link

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/koopa0/gblink/pkg/errors"
)

const (
	// pongWait 收不到任何訊息（含 pong）就斷線
	pongWait = 60 * time.Second
	// pingPeriod 必須小於 pongWait
	pingPeriod = 54 * time.Second
	// maxMessageSize 單一 WebSocket 訊息上限，正常訊框最多 23 位元組
	maxMessageSize = 4096
)

// WebSocketHandler 以 WebSocket 承載 link 二進位協議
//
// 每個 binary 訊息的內容直接送進解碼器，訊框可以跨訊息切分。
// 回傳給客戶端的房間資訊仍是 TCP 埠號，WebSocket 只是另一個入口。
type WebSocketHandler struct {
	registry *Registry
	cfg      SessionConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewWebSocketHandler 創建 WebSocket 入口
func NewWebSocketHandler(registry *Registry, cfg SessionConfig) *WebSocketHandler {
	cfg = cfg.withDefaults()
	return &WebSocketHandler{
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 模擬器客戶端沒有 Origin
				return true
			},
		},
	}
}

// ServeHTTP 升級連線並執行讀寫迴圈
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	sess := newSession(h.registry, h.cfg, r.RemoteAddr)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sess.Close()
		_ = conn.Close()
		return
	}
	h.sessions[sess] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess)
		h.mu.Unlock()
		h.wg.Done()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(&wsWriter{conn: conn}, pingPeriod)
	}()

	h.readPump(r, conn, sess)
	<-writerDone
}

func (h *WebSocketHandler) readPump(r *http.Request, conn *websocket.Conn, sess *session) {
	ctx := r.Context()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("設置讀取期限失敗", "error", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var readErr error
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket 讀取錯誤", "error", err)
			}
			readErr = err
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			readErr = err
			break
		}

		if messageType != websocket.BinaryMessage {
			sess.fail(ctx, apperrors.ErrProtocolViolation.WithDetails("text frames are not supported"))
			break
		}
		if err := sess.feed(ctx, data); err != nil {
			sess.fail(ctx, err)
			break
		}
	}

	sess.finish(readErr)
}

// Close 關閉所有 WebSocket 連線並等待結束；http.Server.Shutdown 不處理已升級的連線
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	h.closed = true
	for sess := range h.sessions {
		sess.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// wsWriter 寫入端，由 session.writeLoop 獨佔
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteFrame(frame []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsWriter) Ping() error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsWriter) Close() error {
	// 嘗試送出關閉訊息，連線可能已經斷了
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.conn.Close()
}
