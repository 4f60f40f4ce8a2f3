// Package users 管理可以使用房間 API 的裝置使用者
package users

import (
	"context"
	"strings"
	"sync"

	"github.com/koopa0/gblink/internal/keygen"
	apperrors "github.com/koopa0/gblink/pkg/errors"
)

var (
	ErrUserNotFound         = apperrors.ErrUserNotFound
	ErrDuplicateDisplayName = apperrors.New(apperrors.ErrCodeAlreadyExists, "display name already taken")
	ErrInvalidDisplayName   = apperrors.New(apperrors.ErrCodeInvalidInput, "display name must be 1-64 characters")
	ErrUserLimitReached     = apperrors.ErrQuotaExceeded.WithDetails("user limit reached")
)

// MaxDisplayNameLength 顯示名稱上限
const MaxDisplayNameLength = 64

// User 已註冊的裝置使用者
type User struct {
	ID                   int64  `json:"id"`
	DeviceID             string `json:"deviceID"`
	DisplayName          string `json:"displayName"`
	CreateRoomAuthorized bool   `json:"createRoomAuthorized"`
}

// Store 使用者儲存
//
// Register 的 limit 為使用者數量上限，<= 0 表示不限制；檢查與寫入是同一個原子操作。
type Store interface {
	ByDeviceID(ctx context.Context, deviceID string) (*User, error)
	Register(ctx context.Context, displayName string, limit int) (*User, error)
	Count(ctx context.Context) (int, error)
	SetCreateRoomAuthorized(ctx context.Context, deviceID string, authorized bool) error
}

// normalizeDisplayName 去除前後空白並檢查長度
func normalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxDisplayNameLength {
		return "", ErrInvalidDisplayName
	}
	return name, nil
}

// newDeviceID 與連線金鑰相同的 128 位元格式
func newDeviceID() (string, error) {
	return keygen.New().Key()
}

// MemoryStore 記憶體實作，未啟用 PostgreSQL 時使用
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	byDevice map[string]*User
	byName   map[string]string // display name -> device ID
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byDevice: make(map[string]*User),
		byName:   make(map[string]string),
	}
}

// ByDeviceID 查詢使用者，返回副本
func (s *MemoryStore) ByDeviceID(_ context.Context, deviceID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byDevice[deviceID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// Register 註冊新使用者並產生裝置 ID
func (s *MemoryStore) Register(_ context.Context, displayName string, limit int) (*User, error) {
	name, err := normalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	deviceID, err := newDeviceID()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > 0 && len(s.byDevice) >= limit {
		return nil, ErrUserLimitReached
	}
	if _, taken := s.byName[name]; taken {
		return nil, ErrDuplicateDisplayName
	}

	s.nextID++
	u := &User{
		ID:          s.nextID,
		DeviceID:    deviceID,
		DisplayName: name,
	}
	s.byDevice[u.DeviceID] = u
	s.byName[name] = u.DeviceID

	cp := *u
	return &cp, nil
}

// Count 使用者數量
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDevice), nil
}

// SetCreateRoomAuthorized 設定建立房間權限
func (s *MemoryStore) SetCreateRoomAuthorized(_ context.Context, deviceID string, authorized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byDevice[deviceID]
	if !ok {
		return ErrUserNotFound
	}
	u.CreateRoomAuthorized = authorized
	return nil
}
