package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/gblink/internal/protocol"
	apperrors "github.com/koopa0/gblink/pkg/errors"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultSendBuffer     = 256
	writeWait             = 10 * time.Second
)

// SessionConfig 每條連線的參數
type SessionConfig struct {
	ConnectTimeout time.Duration // 必須在此時間內送出 connect
	SendBuffer     int           // 寫入佇列長度，滿了直接斷線
	Logger         *slog.Logger
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// frameWriter 底層連線的寫入端
type frameWriter interface {
	WriteFrame(frame []byte) error
	Close() error
}

// pinger 需要心跳的連線另外實作
type pinger interface {
	Ping() error
}

// session 一條 link 連線，實作 Peer
//
// 讀取端（呼叫 feed 的 goroutine）解碼指令並交給登記表；
// 寫入端由 writeLoop 獨佔，Send 只把訊息放進佇列。
type session struct {
	registry *Registry
	logger   *slog.Logger

	send      chan protocol.ClientMessage
	done      chan struct{}
	closeOnce sync.Once

	decoder   *protocol.Decoder[protocol.ServerMessage]
	connected chan struct{}

	// 只在讀取 goroutine 中存取
	binding *Binding
	rlog    *slog.Logger
}

func newSession(registry *Registry, cfg SessionConfig, remote string) *session {
	cfg = cfg.withDefaults()
	s := &session{
		registry:  registry,
		logger:    cfg.Logger.With("remote", remote),
		send:      make(chan protocol.ClientMessage, cfg.SendBuffer),
		done:      make(chan struct{}),
		decoder:   protocol.NewServerDecoder(),
		connected: make(chan struct{}),
	}
	s.rlog = s.logger

	go func() {
		timer := time.NewTimer(cfg.ConnectTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.logger.Info("等待 connect 逾時")
			s.Close()
		case <-s.connected:
		case <-s.done:
		}
	}()

	return s
}

// Send 放入寫入佇列，不阻塞；佇列滿表示對方太慢，直接斷線
func (s *session) Send(msg protocol.ClientMessage) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.send <- msg:
	default:
		s.logger.Warn("寫入佇列已滿，關閉連線", "message", msg)
		s.Close()
	}
}

// Close 可重複呼叫，實際關閉連線由 writeLoop 完成
func (s *session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Done 連線結束後關閉
func (s *session) Done() <-chan struct{} {
	return s.done
}

// feed 處理讀到的位元組，返回錯誤時呼叫端應結束連線
func (s *session) feed(ctx context.Context, data []byte) error {
	msgs, err := s.decoder.Feed(data)
	for _, msg := range msgs {
		if dispatchErr := s.dispatch(ctx, msg); dispatchErr != nil {
			return dispatchErr
		}
	}
	return err
}

func (s *session) dispatch(ctx context.Context, msg protocol.ServerMessage) error {
	if msg.Command == protocol.CmdConnect {
		return s.connect(ctx, msg.Key)
	}

	if s.binding == nil {
		return apperrors.ErrProtocolViolation.WithDetails(msg.Command.String() + " before connect")
	}

	switch msg.Command {
	case protocol.CmdInitialByte:
		return s.registry.InitialByte(ctx, *s.binding, msg.Byte)
	case protocol.CmdPushByte:
		return s.registry.PushByte(ctx, *s.binding, msg.Byte)
	case protocol.CmdPresentByte:
		return s.registry.PresentByte(ctx, *s.binding, msg.Byte)
	default:
		return apperrors.ErrUnrecognizedOpcode.WithDetails(msg.Command.String())
	}
}

func (s *session) connect(ctx context.Context, key string) error {
	if s.binding != nil {
		return apperrors.ErrProtocolViolation.WithDetails("connect after connect")
	}
	close(s.connected)

	b, err := s.registry.ResolveKey(ctx, key)
	if err != nil {
		return err
	}
	if err := s.registry.Attach(ctx, b, s); err != nil {
		return err
	}

	s.binding = &b
	s.rlog = s.logger.With("room_id", b.RoomID, "role", b.Role)
	s.rlog.Info("link 連線已綁定")
	return nil
}

// fail 依錯誤類型決定只斷線或連同房間關閉
//
// 已綁定的客戶端送出錯誤的協議資料時，位元組交換已無法維持一致，
// 房間以 transport_error 關閉。
func (s *session) fail(ctx context.Context, err error) {
	if s.binding != nil && apperrors.IsDecodeError(err) {
		s.rlog.Warn("協議錯誤，關閉房間", "error", err)
		closeErr := s.registry.CloseRoomByID(ctx, s.binding.RoomID, CloseTransportError)
		if closeErr != nil && !errors.Is(closeErr, apperrors.ErrRoomNotFound) {
			s.rlog.Error("關閉房間失敗", "error", closeErr)
		}
	} else {
		s.rlog.Info("關閉 link 連線", "error", err)
	}
	s.Close()
}

// finish 讀取端結束時呼叫
func (s *session) finish(readErr error) {
	if err := s.decoder.Finish(); err != nil {
		s.rlog.Debug("連線結束時有未完成的訊框", "error", err)
	}
	if readErr != nil {
		s.rlog.Debug("讀取結束", "error", readErr)
	}
	s.Close()
}

// writeLoop 獨佔寫入端；Close 之後盡量送出剩餘訊息再關閉底層連線
func (s *session) writeLoop(w frameWriter, pingInterval time.Duration) {
	var (
		tick <-chan time.Time
		ping func() error
	)
	if p, ok := w.(pinger); ok && pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
		ping = p.Ping
	}

	defer func() {
		if err := w.Close(); err != nil {
			s.logger.Debug("關閉連線", "error", err)
		}
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.writeBatch(w, msg); err != nil {
				s.logger.Debug("寫入失敗", "error", err)
				s.Close()
				return
			}

		case <-tick:
			if err := ping(); err != nil {
				s.Close()
				return
			}

		case <-s.done:
			s.drain(w)
			return
		}
	}
}

// writeBatch 把佇列中已有的訊息合併成一次寫入
func (s *session) writeBatch(w frameWriter, first protocol.ClientMessage) error {
	frame, err := first.MarshalBinary()
	if err != nil {
		return err
	}

	for n := len(s.send); n > 0; n-- {
		b, err := (<-s.send).MarshalBinary()
		if err != nil {
			return err
		}
		frame = append(frame, b...)
	}

	return w.WriteFrame(frame)
}

func (s *session) drain(w frameWriter) {
	for {
		select {
		case msg := <-s.send:
			if err := s.writeBatch(w, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
