// Package handler 提供房間管理的 HTTP API
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/gblink/internal/events"
	"github.com/koopa0/gblink/internal/link"
	"github.com/koopa0/gblink/internal/users"
	apperrors "github.com/koopa0/gblink/pkg/errors"
	"github.com/koopa0/gblink/pkg/logger"
)

// minClientVersion 低於此版本的客戶端不支援目前的 link 協議
const minClientVersion = 2

// HistoryReader 事件歷史查詢
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]events.Event, error)
}

// Options 處理器參數
type Options struct {
	RequireCreateRoomAuth bool
	RegistrationKey       string // 空字串時停用註冊與管理端點
	MaxUsers              int

	Dispatcher *events.Dispatcher // 可選，用於 /stats
	History    HistoryReader      // 可選，啟用 /api/roomEvents
	WebSocket  http.Handler       // 可選，掛在 /link/ws
}

// Handler HTTP 請求處理器
type Handler struct {
	registry *link.Registry
	users    users.Store
	opts     Options
	logger   *slog.Logger
	started  time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *link.Registry, store users.Store, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		users:    store,
		opts:     opts,
		logger:   logger,
		started:  time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}

	// 房間 API
	mux.HandleFunc("POST /api/createRoom", wrap(h.createRoom))
	mux.HandleFunc("POST /api/joinRoom", wrap(h.joinRoom))
	mux.HandleFunc("POST /api/closeRoom", wrap(h.closeRoom))
	mux.HandleFunc("GET /api/getRoomInfo", wrap(h.getRoomInfo))
	mux.HandleFunc("POST /api/registerUser", wrap(h.registerUser))
	mux.HandleFunc("POST /api/updateUser", wrap(h.updateUser))
	if h.opts.History != nil {
		mux.HandleFunc("GET /api/roomEvents", wrap(h.roomEvents))
	}

	// 升級後的連線不能包 responseWriter
	if h.opts.WebSocket != nil {
		mux.Handle("GET /link/ws", h.recoverer(h.requestID(h.opts.WebSocket.ServeHTTP)))
	}

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type deviceRequest struct {
	DeviceID string `json:"deviceID"`
}

type joinRoomRequest struct {
	DeviceID   string `json:"deviceID"`
	RoomCode   string `json:"roomCode"`
	ClientInfo *struct {
		ClientVersion int `json:"clientVersion"`
	} `json:"clientInfo,omitempty"`
}

type registerUserRequest struct {
	APIKey      string `json:"apiKey"`
	DisplayName string `json:"displayName"`
}

type updateUserRequest struct {
	APIKey               string `json:"apiKey"`
	DeviceID             string `json:"deviceID"`
	CreateRoomAuthorized *bool  `json:"createRoomAuthorized"`
}

// roomInfoResponse 使用者不在房間時省略 room
type roomInfoResponse struct {
	InRoom bool             `json:"inRoom"`
	Room   *link.ClientInfo `json:"room,omitempty"`
}

// 每個端點把可預期的錯誤轉成給使用者看的訊息，其他錯誤一律 500
var (
	userMessages = map[string]string{
		apperrors.ErrCodeUserNotFound: "User not found",
	}
	createRoomMessages = merge(userMessages, map[string]string{
		apperrors.ErrCodeUserAlreadyInRoom:    "User already in a room",
		apperrors.ErrCodeLinkServerNotRunning: "The link server isn't running",
		apperrors.ErrCodeUnauthorized:         "User isn't authorized to create rooms",
	})
	joinRoomMessages = merge(userMessages, map[string]string{
		apperrors.ErrCodeUserAlreadyInRoom:    "User already in a room",
		apperrors.ErrCodeRoomNotFound:         "Room not found",
		apperrors.ErrCodeRoomExpired:          "Room expired",
		apperrors.ErrCodeIncorrectParticipant: "Room is full",
		apperrors.ErrCodeLinkServerNotRunning: "The link server isn't running",
	})
	closeRoomMessages = merge(userMessages, map[string]string{
		apperrors.ErrCodeRoomNotFound:    "User is not in any rooms",
		apperrors.ErrCodeMustBeRoomOwner: "Only room owners may close rooms",
	})
	roomInfoMessages = merge(userMessages, map[string]string{
		apperrors.ErrCodeLinkServerNotRunning: "The link server isn't running",
	})
)

func merge(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// createRoom 建立房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, ctx, err := h.lookupUser(r.Context(), req.DeviceID)
	if err != nil {
		h.commandError(w, r, err, createRoomMessages)
		return
	}
	if h.opts.RequireCreateRoomAuth && !user.CreateRoomAuthorized {
		h.commandError(w, r, apperrors.ErrUnauthorized, createRoomMessages)
		return
	}

	info, err := h.registry.CreateRoom(ctx, user.ID)
	if err != nil {
		h.commandError(w, r.WithContext(ctx), err, createRoomMessages)
		return
	}

	h.jsonResponse(w, info, http.StatusCreated)
}

// joinRoom 加入房間，房間碼不分大小寫
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRoomRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ClientInfo != nil && req.ClientInfo.ClientVersion < minClientVersion {
		h.errorResponse(w, "Unsupported client API version", http.StatusBadRequest)
		return
	}

	code := strings.ToUpper(strings.TrimSpace(req.RoomCode))
	if code == "" {
		h.errorResponse(w, "Room code is required", http.StatusBadRequest)
		return
	}

	user, ctx, err := h.lookupUser(r.Context(), req.DeviceID)
	if err != nil {
		h.commandError(w, r, err, joinRoomMessages)
		return
	}

	info, err := h.registry.JoinRoom(ctx, user.ID, code)
	if err != nil {
		h.commandError(w, r.WithContext(ctx), err, joinRoomMessages)
		return
	}

	h.jsonResponse(w, info, http.StatusOK)
}

// closeRoom 擁有者關閉房間
func (h *Handler) closeRoom(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, ctx, err := h.lookupUser(r.Context(), req.DeviceID)
	if err != nil {
		h.commandError(w, r, err, closeRoomMessages)
		return
	}

	if err := h.registry.CloseRoom(ctx, user.ID); err != nil {
		h.commandError(w, r.WithContext(ctx), err, closeRoomMessages)
		return
	}

	h.jsonResponse(w, map[string]any{
		"message": "Successfully closed room",
	}, http.StatusOK)
}

// getRoomInfo 查詢目前所在房間，並發出新的連線金鑰
func (h *Handler) getRoomInfo(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceID")

	user, ctx, err := h.lookupUser(r.Context(), deviceID)
	if err != nil {
		h.commandError(w, r, err, roomInfoMessages)
		return
	}

	info, found, err := h.registry.CurrentRoom(ctx, user.ID)
	if err != nil {
		h.commandError(w, r.WithContext(ctx), err, roomInfoMessages)
		return
	}

	resp := roomInfoResponse{InRoom: found}
	if found {
		resp.Room = &info
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// registerUser 以註冊金鑰建立使用者
func (h *Handler) registerUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if !h.authorizeAdmin(w, r, &req, func() string { return req.APIKey }) {
		return
	}

	ctx := r.Context()
	user, err := h.users.Register(ctx, req.DisplayName, h.opts.MaxUsers)
	switch {
	case errors.Is(err, users.ErrUserLimitReached):
		h.logger.WarnContext(ctx, "使用者數量已達上限", "max", h.opts.MaxUsers)
		h.errorResponse(w, "User limit reached", http.StatusServiceUnavailable)
		return
	case errors.Is(err, users.ErrDuplicateDisplayName):
		h.errorResponse(w, "Display name already taken", http.StatusConflict)
		return
	case errors.Is(err, users.ErrInvalidDisplayName):
		h.errorResponse(w, "Display name must be 1-64 characters", http.StatusBadRequest)
		return
	case err != nil:
		h.internalError(w, r, err)
		return
	}

	h.logger.InfoContext(logger.WithUserID(ctx, user.ID), "使用者已註冊", "display_name", user.DisplayName)
	h.jsonResponse(w, map[string]any{
		"deviceID": user.DeviceID,
	}, http.StatusCreated)
}

// updateUser 管理指令：調整使用者的建立房間權限
func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !h.authorizeAdmin(w, r, &req, func() string { return req.APIKey }) {
		return
	}
	if req.CreateRoomAuthorized == nil {
		h.errorResponse(w, "Nothing to update", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	err := h.users.SetCreateRoomAuthorized(ctx, req.DeviceID, *req.CreateRoomAuthorized)
	if apperrors.IsNotFound(err) {
		h.errorResponse(w, "No users found that match the given deviceID", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "使用者權限已更新",
		"device_id", req.DeviceID,
		"create_room_authorized", *req.CreateRoomAuthorized)
	h.jsonResponse(w, map[string]any{
		"message": "Successfully updated user",
	}, http.StatusOK)
}

// authorizeAdmin 解析請求並檢查註冊金鑰，失敗時已寫入回應
//
// 未設定金鑰時管理端點全部停用。
func (h *Handler) authorizeAdmin(w http.ResponseWriter, r *http.Request, dst any, key func() string) bool {
	if h.opts.RegistrationKey == "" {
		h.errorResponse(w, "Registration is disabled", http.StatusForbidden)
		return false
	}
	if !h.decode(w, r, dst) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(key()), []byte(h.opts.RegistrationKey)) != 1 {
		h.errorResponse(w, "Invalid API key", http.StatusUnauthorized)
		return false
	}
	return true
}

// roomEvents 最近的房間事件
func (h *Handler) roomEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 500 {
			limit = val
		}
	}

	evs, err := h.opts.History.Recent(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"events": evs,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rooms, err := h.registry.Stats(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	userCount, err := h.users.Count(ctx)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	resp := map[string]any{
		"rooms":          rooms,
		"users":          userCount,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.opts.Dispatcher != nil {
		resp["events"] = h.opts.Dispatcher.Stats()
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// lookupUser 以裝置 ID 找出使用者，返回帶有 user_id 的 context
func (h *Handler) lookupUser(ctx context.Context, deviceID string) (*users.User, context.Context, error) {
	if deviceID == "" {
		return nil, ctx, users.ErrUserNotFound
	}
	user, err := h.users.ByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, ctx, err
	}
	return user, logger.WithUserID(ctx, user.ID), nil
}

// decode 解析 JSON 請求，失敗時已寫入回應
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.errorResponse(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// commandError 可預期的錯誤回 400，其他回 500
func (h *Handler) commandError(w http.ResponseWriter, r *http.Request, err error, messages map[string]string) {
	if msg, ok := messages[apperrors.CodeOf(err)]; ok {
		h.logger.DebugContext(r.Context(), "請求被拒絕", "error", err)
		h.errorResponse(w, msg, http.StatusBadRequest)
		return
	}
	h.internalError(w, r, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "處理請求失敗",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err)
	h.errorResponse(w, "Internal server error", http.StatusInternalServerError)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// requestID 沿用客戶端的 X-Request-ID，沒有就產生一個
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
