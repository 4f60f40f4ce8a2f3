// Package events 發布房間生命週期事件
package events

import (
	"context"
	"time"
)

// Type 事件類型
type Type string

const (
	RoomCreated Type = "room_created"
	RoomJoined  Type = "room_joined"
	RoomClosed  Type = "room_closed"
)

// Event 房間生命週期事件
type Event struct {
	Type   Type      `json:"type"`
	RoomID int       `json:"room_id"`
	Code   string    `json:"code"`
	UserID int64     `json:"user_id,omitempty"`
	Role   string    `json:"role,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher 事件發布端
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}
