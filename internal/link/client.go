package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/koopa0/gblink/internal/protocol"
)

// ErrConnectRejected 伺服器沒有回覆 didConnect 就關閉連線
var ErrConnectRejected = errors.New("link server closed the connection before didConnect")

// Client link 協議客戶端，用於測試與工具
type Client struct {
	conn     net.Conn
	messages chan protocol.ClientMessage

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}

	errMu   sync.Mutex
	readErr error
}

// Dial 連線並送出 connect，等到 didConnect 才返回
func Dial(ctx context.Context, addr, key string) (*Client, error) {
	frame, err := protocol.Connect(key).MarshalBinary()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("連線 link 伺服器失敗: %w", err)
	}

	c := &Client{
		conn:     conn,
		messages: make(chan protocol.ClientMessage, 64),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()

	if err := c.write(frame); err != nil {
		c.Close()
		return nil, err
	}

	msg, err := c.Next(ctx)
	if err != nil {
		c.Close()
		if errors.Is(err, net.ErrClosed) || errors.Is(err, errClientClosed) {
			return nil, ErrConnectRejected
		}
		return nil, err
	}
	if msg.Command != protocol.CmdDidConnect {
		c.Close()
		return nil, fmt.Errorf("預期 didConnect，收到 %s", msg)
	}

	return c, nil
}

var errClientClosed = errors.New("link client closed")

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.messages)

	dec := protocol.NewClientDecoder()
	buf := make([]byte, 1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, decErr := dec.Feed(buf[:n])
			for _, m := range msgs {
				select {
				case c.messages <- m:
				case <-c.closed:
					return
				}
			}
			if decErr != nil {
				c.setErr(decErr)
				return
			}
		}
		if err != nil {
			c.setErr(err)
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
}

// Err 讀取結束的原因
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Messages 伺服器送來的訊息，連線結束後關閉
func (c *Client) Messages() <-chan protocol.ClientMessage {
	return c.messages
}

// Next 等待下一個訊息
func (c *Client) Next(ctx context.Context) (protocol.ClientMessage, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			if err := c.Err(); err != nil {
				return protocol.ClientMessage{}, fmt.Errorf("%w: %w", errClientClosed, err)
			}
			return protocol.ClientMessage{}, errClientClosed
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.ClientMessage{}, ctx.Err()
	}
}

// InitialByte 送出 initialByte
func (c *Client) InitialByte(b byte) error {
	return c.send(protocol.InitialByte(b))
}

// PushByte 送出 pushByte
func (c *Client) PushByte(b byte) error {
	return c.send(protocol.PushByte(b))
}

// PresentByte 送出 presentByte
func (c *Client) PresentByte(b byte) error {
	return c.send(protocol.PresentByte(b))
}

func (c *Client) send(msg protocol.ServerMessage) error {
	frame, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return c.write(frame)
}

// WriteRaw 直接寫入位元組，測試協議錯誤用
func (c *Client) WriteRaw(p []byte) error {
	return c.write(p)
}

func (c *Client) write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err := c.conn.Write(p)
	return err
}

// Close 關閉連線並等待讀取 goroutine 結束，未讀取的訊息直接丟棄
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	<-c.readDone
	return err
}
