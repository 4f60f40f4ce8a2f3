package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB PostgresHistory 需要的資料庫操作，*pgxpool.Pool 直接滿足
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresHistory 把事件寫入 room_events 表
type PostgresHistory struct {
	db DB
}

// NewPostgresHistory 創建事件歷史
func NewPostgresHistory(db DB) *PostgresHistory {
	return &PostgresHistory{db: db}
}

func (h *PostgresHistory) Name() string { return "postgres" }

// Publish 寫入一筆事件
func (h *PostgresHistory) Publish(ctx context.Context, e Event) error {
	const query = `
		INSERT INTO room_events (event_type, room_id, room_code, user_id, role, reason, occurred_at)
		VALUES ($1, $2, $3, NULLIF($4::bigint, 0), NULLIF($5::text, ''), NULLIF($6::text, ''), $7)`

	_, err := h.db.Exec(ctx, query,
		string(e.Type), e.RoomID, e.Code, e.UserID, e.Role, e.Reason, e.At)
	if err != nil {
		return fmt.Errorf("寫入房間事件失敗: %w", err)
	}
	return nil
}

// Recent 依時間倒序返回最近的事件
func (h *PostgresHistory) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT event_type, room_id, room_code,
		       COALESCE(user_id, 0), COALESCE(role, ''), COALESCE(reason, ''), occurred_at
		FROM room_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1`

	rows, err := h.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("查詢房間事件失敗: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			e   Event
			typ string
		)
		err := row.Scan(&typ, &e.RoomID, &e.Code, &e.UserID, &e.Role, &e.Reason, &e.At)
		e.Type = Type(typ)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("讀取房間事件失敗: %w", err)
	}
	return events, nil
}
