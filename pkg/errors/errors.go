// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// 房間與使用者
	ErrCodeRoomNotFound         = "ROOM_NOT_FOUND"
	ErrCodeRoomExpired          = "ROOM_EXPIRED"
	ErrCodeUserAlreadyInRoom    = "USER_ALREADY_IN_ROOM"
	ErrCodeDuplicateRoomCode    = "DUPLICATE_ROOM_CODE"
	ErrCodeIncorrectParticipant = "INCORRECT_PARTICIPANT"
	ErrCodeMustBeRoomOwner      = "MUST_BE_ROOM_OWNER"
	ErrCodeLinkServerNotRunning = "LINK_SERVER_NOT_RUNNING"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeUnauthorized         = "UNAUTHORIZED"

	// 連線
	ErrCodeOwnerAlreadyConnected       = "OWNER_ALREADY_CONNECTED"
	ErrCodeParticipantAlreadyConnected = "PARTICIPANT_ALREADY_CONNECTED"
	ErrCodeKeyNotFound                 = "KEY_NOT_FOUND"
	ErrCodePeerNotConnected            = "PEER_NOT_CONNECTED"
	ErrCodeRegistryStopped             = "REGISTRY_STOPPED"

	// 協議解碼
	ErrCodeUnrecognizedOpcode = "UNRECOGNIZED_OPCODE"
	ErrCodeTruncatedFrame     = "TRUNCATED_FRAME"
	ErrCodeProtocolViolation  = "PROTOCOL_VIOLATION"

	// 通用
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓預定義錯誤可用 errors.Is 判斷
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回附帶詳細資訊的副本，預定義錯誤本身不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrRoomNotFound         = New(ErrCodeRoomNotFound, "room not found")
	ErrRoomExpired          = New(ErrCodeRoomExpired, "room expired")
	ErrUserAlreadyInRoom    = New(ErrCodeUserAlreadyInRoom, "user already in a room")
	ErrDuplicateRoomCode    = New(ErrCodeDuplicateRoomCode, "could not generate a unique room code")
	ErrIncorrectParticipant = New(ErrCodeIncorrectParticipant, "room already has a different participant")
	ErrMustBeRoomOwner      = New(ErrCodeMustBeRoomOwner, "only room owners may close rooms")
	ErrLinkServerNotRunning = New(ErrCodeLinkServerNotRunning, "link server is not running")
	ErrUserNotFound         = New(ErrCodeUserNotFound, "user not found")
	ErrUnauthorized         = New(ErrCodeUnauthorized, "unauthorized")

	ErrOwnerAlreadyConnected       = New(ErrCodeOwnerAlreadyConnected, "owner already connected")
	ErrParticipantAlreadyConnected = New(ErrCodeParticipantAlreadyConnected, "participant already connected")
	ErrKeyNotFound                 = New(ErrCodeKeyNotFound, "connection key not found")
	ErrPeerNotConnected            = New(ErrCodePeerNotConnected, "peer is not connected")
	ErrRegistryStopped             = New(ErrCodeRegistryStopped, "room registry stopped")

	ErrUnrecognizedOpcode = New(ErrCodeUnrecognizedOpcode, "unrecognized opcode")
	ErrTruncatedFrame     = New(ErrCodeTruncatedFrame, "truncated frame")
	ErrProtocolViolation  = New(ErrCodeProtocolViolation, "protocol violation")

	ErrQuotaExceeded = New(ErrCodeQuotaExceeded, "quota exceeded")
)

// CodeOf 取出錯誤鏈中第一個 AppError 的錯誤碼，沒有則返回空字串
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case ErrCodeRoomNotFound, ErrCodeKeyNotFound, ErrCodeUserNotFound:
		return true
	}
	return false
}

// IsDecodeError 檢查是否為協議解碼錯誤
func IsDecodeError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnrecognizedOpcode, ErrCodeTruncatedFrame, ErrCodeProtocolViolation:
		return true
	}
	return false
}
