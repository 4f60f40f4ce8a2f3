package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSConn NATSPublisher 需要的連線操作，*nats.Conn 直接滿足
type NATSConn interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher 以 core NATS 發布事件，主題為 <prefix>.<type>
type NATSPublisher struct {
	conn   NATSConn
	prefix string
}

// NewNATSPublisher 創建 NATS 發布端
func NewNATSPublisher(conn NATSConn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

func (p *NATSPublisher) Name() string { return "nats" }

// Subject 事件對應的主題
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish 發布事件；core NATS 不等待確認，ctx 只用於提前放棄
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	msg := nats.NewMsg(p.Subject(e.Type))
	msg.Data = data
	msg.Header.Set("Room-Code", e.Code)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}
