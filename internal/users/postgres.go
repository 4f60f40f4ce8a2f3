package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation PostgreSQL unique_violation
const uniqueViolation = "23505"

// PostgresStore PostgreSQL 實作
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 創建 PostgreSQL 儲存，資料表由 migrations 建立
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ByDeviceID 查詢使用者
func (s *PostgresStore) ByDeviceID(ctx context.Context, deviceID string) (*User, error) {
	const query = `
		SELECT id, device_id, display_name, create_room_authorized
		FROM users
		WHERE device_id = $1`

	var u User
	err := s.pool.QueryRow(ctx, query, deviceID).
		Scan(&u.ID, &u.DeviceID, &u.DisplayName, &u.CreateRoomAuthorized)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查詢使用者失敗: %w", err)
	}
	return &u, nil
}

// registerLockKey 註冊時的 advisory lock，讓數量檢查與寫入不會交錯
const registerLockKey int64 = 0x67626c696e6b

// Register 註冊新使用者並產生裝置 ID
func (s *PostgresStore) Register(ctx context.Context, displayName string, limit int) (*User, error) {
	name, err := normalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	deviceID, err := newDeviceID()
	if err != nil {
		return nil, err
	}

	var u User
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, registerLockKey); err != nil {
			return err
		}

		if limit > 0 {
			var n int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
				return err
			}
			if n >= limit {
				return ErrUserLimitReached
			}
		}

		const query = `
			INSERT INTO users (device_id, display_name)
			VALUES ($1, $2)
			RETURNING id, device_id, display_name, create_room_authorized`

		return tx.QueryRow(ctx, query, deviceID, name).
			Scan(&u.ID, &u.DeviceID, &u.DisplayName, &u.CreateRoomAuthorized)
	})
	if err != nil {
		if errors.Is(err, ErrUserLimitReached) {
			return nil, ErrUserLimitReached
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateDisplayName
		}
		return nil, fmt.Errorf("註冊使用者失敗: %w", err)
	}
	return &u, nil
}

// Count 使用者數量
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("計算使用者數量失敗: %w", err)
	}
	return n, nil
}

// SetCreateRoomAuthorized 設定建立房間權限
func (s *PostgresStore) SetCreateRoomAuthorized(ctx context.Context, deviceID string, authorized bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET create_room_authorized = $2 WHERE device_id = $1`,
		deviceID, authorized)
	if err != nil {
		return fmt.Errorf("更新使用者權限失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
