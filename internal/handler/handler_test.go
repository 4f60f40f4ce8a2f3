package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/koopa0/gblink/internal/events"
	"github.com/koopa0/gblink/internal/handler"
	"github.com/koopa0/gblink/internal/link"
	"github.com/koopa0/gblink/internal/users"
	"github.com/koopa0/gblink/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 測試不需要日誌輸出
func testLogger() *slog.Logger {
	return logger.Discard()
}

type testEnv struct {
	router   http.Handler
	registry *link.Registry
	store    *users.MemoryStore

	owner    *users.User // 可以建立房間
	guest    *users.User
	stranger *users.User
}

func newTestEnv(t *testing.T, opts handler.Options) *testEnv {
	t.Helper()
	ctx := context.Background()

	registry := link.NewRegistry(link.Options{
		InactivityInterval: time.Hour,
		Logger:             testLogger(),
	})
	t.Cleanup(registry.Stop)
	require.NoError(t, registry.SetListeningPort(ctx, 9000))

	store := users.NewMemoryStore()
	env := &testEnv{registry: registry, store: store}

	var err error
	env.owner, err = store.Register(ctx, "owner", 0)
	require.NoError(t, err)
	require.NoError(t, store.SetCreateRoomAuthorized(ctx, env.owner.DeviceID, true))
	env.guest, err = store.Register(ctx, "guest", 0)
	require.NoError(t, err)
	env.stranger, err = store.Register(ctx, "stranger", 0)
	require.NoError(t, err)

	env.router = handler.NewHandler(registry, store, opts, testLogger()).Routes()
	return env
}

// do 發送請求並解析 JSON 回應
func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w.Code, resp
}

func (e *testEnv) createRoom(t *testing.T) map[string]any {
	t.Helper()
	status, resp := e.do(t, http.MethodPost, "/api/createRoom", map[string]any{"deviceID": e.owner.DeviceID})
	require.Equal(t, http.StatusCreated, status, resp)
	return resp
}

func TestHandler_CreateRoom(t *testing.T) {
	tests := []struct {
		name           string
		opts           handler.Options
		device         func(e *testEnv) string
		setup          func(t *testing.T, e *testEnv)
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "create room successfully",
			opts:           handler.Options{RequireCreateRoomAuth: true},
			device:         func(e *testEnv) string { return e.owner.DeviceID },
			expectedStatus: http.StatusCreated,
			validate: func(t *testing.T, resp map[string]any) {
				assert.NotEmpty(t, resp["roomCode"])
				assert.Equal(t, float64(9000), resp["linkPort"])
				key := resp["roomKey"].(map[string]any)
				assert.Equal(t, "owner", key["role"])
				assert.Len(t, key["key"], 22)
			},
		},
		{
			name:           "unauthorized user",
			opts:           handler.Options{RequireCreateRoomAuth: true},
			device:         func(e *testEnv) string { return e.guest.DeviceID },
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "User isn't authorized to create rooms", resp["error"])
			},
		},
		{
			name:           "authorization not required",
			opts:           handler.Options{},
			device:         func(e *testEnv) string { return e.guest.DeviceID },
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "unknown device",
			device:         func(*testEnv) string { return "nobody" },
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "User not found", resp["error"])
			},
		},
		{
			name:   "already in a room",
			device: func(e *testEnv) string { return e.owner.DeviceID },
			setup: func(t *testing.T, e *testEnv) {
				e.createRoom(t)
			},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "User already in a room", resp["error"])
			},
		},
		{
			name:   "link server not running",
			device: func(e *testEnv) string { return e.owner.DeviceID },
			setup: func(t *testing.T, e *testEnv) {
				require.NoError(t, e.registry.SetListeningPort(context.Background(), 0))
			},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "The link server isn't running", resp["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.opts)
			if tt.setup != nil {
				tt.setup(t, e)
			}

			status, resp := e.do(t, http.MethodPost, "/api/createRoom", map[string]any{"deviceID": tt.device(e)})
			assert.Equal(t, tt.expectedStatus, status)
			if tt.validate != nil {
				tt.validate(t, resp)
			}
		})
	}
}

func TestHandler_JoinRoom(t *testing.T) {
	tests := []struct {
		name           string
		body           func(e *testEnv, code string) map[string]any
		setup          func(t *testing.T, e *testEnv, code string)
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name: "join with lower-case code",
			body: func(e *testEnv, code string) map[string]any {
				return map[string]any{"deviceID": e.guest.DeviceID, "roomCode": " " + strings.ToLower(code) + " "}
			},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, resp map[string]any) {
				key := resp["roomKey"].(map[string]any)
				assert.Equal(t, "participant", key["role"])
			},
		},
		{
			name: "room is full",
			body: func(e *testEnv, code string) map[string]any {
				return map[string]any{"deviceID": e.stranger.DeviceID, "roomCode": code}
			},
			setup: func(t *testing.T, e *testEnv, code string) {
				status, _ := e.do(t, http.MethodPost, "/api/joinRoom", map[string]any{"deviceID": e.guest.DeviceID, "roomCode": code})
				require.Equal(t, http.StatusOK, status)
			},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Room is full", resp["error"])
			},
		},
		{
			name: "room not found",
			body: func(e *testEnv, _ string) map[string]any {
				return map[string]any{"deviceID": e.guest.DeviceID, "roomCode": "ZZZZZZ"}
			},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Room not found", resp["error"])
			},
		},
		{
			name: "room expired",
			body: func(e *testEnv, code string) map[string]any {
				return map[string]any{"deviceID": e.guest.DeviceID, "roomCode": code}
			},
			setup: func(t *testing.T, e *testEnv, _ string) {
				status, _ := e.do(t, http.MethodPost, "/api/closeRoom", map[string]any{"deviceID": e.owner.DeviceID})
				require.Equal(t, http.StatusOK, status)
			},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Room expired", resp["error"])
			},
		},
		{
			name: "old client version",
			body: func(e *testEnv, code string) map[string]any {
				return map[string]any{
					"deviceID":   e.guest.DeviceID,
					"roomCode":   code,
					"clientInfo": map[string]any{"clientVersion": 1},
				}
			},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "Unsupported client API version", resp["error"])
			},
		},
		{
			name: "missing room code",
			body: func(e *testEnv, _ string) map[string]any {
				return map[string]any{"deviceID": e.guest.DeviceID}
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, handler.Options{RequireCreateRoomAuth: true})
			code := e.createRoom(t)["roomCode"].(string)
			if tt.setup != nil {
				tt.setup(t, e, code)
			}

			status, resp := e.do(t, http.MethodPost, "/api/joinRoom", tt.body(e, code))
			assert.Equal(t, tt.expectedStatus, status)
			if tt.validate != nil {
				tt.validate(t, resp)
			}
		})
	}
}

func TestHandler_CloseRoom(t *testing.T) {
	e := newTestEnv(t, handler.Options{})
	code := e.createRoom(t)["roomCode"].(string)

	status, _ := e.do(t, http.MethodPost, "/api/joinRoom", map[string]any{"deviceID": e.guest.DeviceID, "roomCode": code})
	require.Equal(t, http.StatusOK, status)

	status, resp := e.do(t, http.MethodPost, "/api/closeRoom", map[string]any{"deviceID": e.guest.DeviceID})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Only room owners may close rooms", resp["error"])

	status, resp = e.do(t, http.MethodPost, "/api/closeRoom", map[string]any{"deviceID": e.stranger.DeviceID})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "User is not in any rooms", resp["error"])

	status, resp = e.do(t, http.MethodPost, "/api/closeRoom", map[string]any{"deviceID": e.owner.DeviceID})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Successfully closed room", resp["message"])
}

func TestHandler_GetRoomInfo(t *testing.T) {
	e := newTestEnv(t, handler.Options{})

	status, resp := e.do(t, http.MethodGet, "/api/getRoomInfo?deviceID="+e.owner.DeviceID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, resp["inRoom"])
	assert.NotContains(t, resp, "room")

	created := e.createRoom(t)

	status, resp = e.do(t, http.MethodGet, "/api/getRoomInfo?deviceID="+e.owner.DeviceID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, resp["inRoom"])
	room := resp["room"].(map[string]any)
	assert.Equal(t, created["roomCode"], room["roomCode"])
	assert.NotEqual(t, created["roomKey"], room["roomKey"], "每次查詢發出新的金鑰")

	status, resp = e.do(t, http.MethodGet, "/api/getRoomInfo?deviceID=nobody", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "User not found", resp["error"])
}

func TestHandler_RegisterUser(t *testing.T) {
	tests := []struct {
		name           string
		opts           handler.Options
		body           map[string]any
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "register successfully",
			opts:           handler.Options{RegistrationKey: "secret"},
			body:           map[string]any{"apiKey": "secret", "displayName": "Crystal"},
			expectedStatus: http.StatusCreated,
			validate: func(t *testing.T, resp map[string]any) {
				assert.NotEmpty(t, resp["deviceID"])
			},
		},
		{
			name:           "registration disabled",
			body:           map[string]any{"apiKey": "", "displayName": "Crystal"},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "wrong key",
			opts:           handler.Options{RegistrationKey: "secret"},
			body:           map[string]any{"apiKey": "guess", "displayName": "Crystal"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "duplicate name",
			opts:           handler.Options{RegistrationKey: "secret"},
			body:           map[string]any{"apiKey": "secret", "displayName": "guest"},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "empty name",
			opts:           handler.Options{RegistrationKey: "secret"},
			body:           map[string]any{"apiKey": "secret", "displayName": " "},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "user limit reached",
			opts:           handler.Options{RegistrationKey: "secret", MaxUsers: 3},
			body:           map[string]any{"apiKey": "secret", "displayName": "Crystal"},
			expectedStatus: http.StatusServiceUnavailable,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "User limit reached", resp["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.opts)

			status, resp := e.do(t, http.MethodPost, "/api/registerUser", tt.body)
			assert.Equal(t, tt.expectedStatus, status)
			if tt.validate != nil {
				tt.validate(t, resp)
			}
		})
	}
}

func TestHandler_UpdateUser(t *testing.T) {
	tests := []struct {
		name           string
		opts           handler.Options
		body           func(e *testEnv) map[string]any
		expectedStatus int
		expectedError  string
	}{
		{
			name: "grant create room",
			opts: handler.Options{RegistrationKey: "secret"},
			body: func(e *testEnv) map[string]any {
				return map[string]any{"apiKey": "secret", "deviceID": e.guest.DeviceID, "createRoomAuthorized": true}
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "admin disabled",
			body: func(e *testEnv) map[string]any {
				return map[string]any{"apiKey": "", "deviceID": e.guest.DeviceID, "createRoomAuthorized": true}
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name: "wrong key",
			opts: handler.Options{RegistrationKey: "secret"},
			body: func(e *testEnv) map[string]any {
				return map[string]any{"apiKey": "guess", "deviceID": e.guest.DeviceID, "createRoomAuthorized": true}
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "unknown device",
			opts: handler.Options{RegistrationKey: "secret"},
			body: func(*testEnv) map[string]any {
				return map[string]any{"apiKey": "secret", "deviceID": "missing", "createRoomAuthorized": true}
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "No users found that match the given deviceID",
		},
		{
			name: "no fields to update",
			opts: handler.Options{RegistrationKey: "secret"},
			body: func(e *testEnv) map[string]any {
				return map[string]any{"apiKey": "secret", "deviceID": e.guest.DeviceID}
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, tt.opts)

			status, resp := e.do(t, http.MethodPost, "/api/updateUser", tt.body(e))
			assert.Equal(t, tt.expectedStatus, status)
			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, resp["error"])
			}
		})
	}
}

func TestHandler_RegisterAuthorizeCreateRoom(t *testing.T) {
	e := newTestEnv(t, handler.Options{
		RequireCreateRoomAuth: true,
		RegistrationKey:       "secret",
		MaxUsers:              10,
	})

	status, resp := e.do(t, http.MethodPost, "/api/registerUser",
		map[string]any{"apiKey": "secret", "displayName": "Crystal"})
	require.Equal(t, http.StatusCreated, status, resp)
	deviceID, ok := resp["deviceID"].(string)
	require.True(t, ok)

	status, resp = e.do(t, http.MethodPost, "/api/createRoom", map[string]any{"deviceID": deviceID})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "User isn't authorized to create rooms", resp["error"])

	status, resp = e.do(t, http.MethodPost, "/api/updateUser",
		map[string]any{"apiKey": "secret", "deviceID": deviceID, "createRoomAuthorized": true})
	require.Equal(t, http.StatusOK, status, resp)

	status, resp = e.do(t, http.MethodPost, "/api/createRoom", map[string]any{"deviceID": deviceID})
	require.Equal(t, http.StatusCreated, status, resp)
	assert.NotEmpty(t, resp["roomCode"])
}

func TestHandler_InvalidBody(t *testing.T) {
	e := newTestEnv(t, handler.Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/createRoom", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHandler_RequestIDPassthrough(t *testing.T) {
	e := newTestEnv(t, handler.Options{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestHandler_Stats(t *testing.T) {
	d := events.NewDispatcher(8, time.Second, testLogger())
	t.Cleanup(d.Close)

	e := newTestEnv(t, handler.Options{Dispatcher: d})
	e.createRoom(t)

	status, resp := e.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), resp["users"])
	rooms := resp["rooms"].(map[string]any)
	assert.Equal(t, float64(1), rooms["active_rooms"])
	assert.Contains(t, resp, "events")
}

type fakeHistory struct {
	events []events.Event
	err    error
	limit  int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]events.Event, error) {
	f.limit = limit
	return f.events, f.err
}

func TestHandler_RoomEvents(t *testing.T) {
	history := &fakeHistory{events: []events.Event{{Type: events.RoomCreated, RoomID: 1, Code: "ABCDEF"}}}
	e := newTestEnv(t, handler.Options{History: history})

	status, resp := e.do(t, http.MethodGet, "/api/roomEvents?limit=5", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 5, history.limit)
	assert.Len(t, resp["events"], 1)

	history.err = errors.New("db down")
	status, resp = e.do(t, http.MethodGet, "/api/roomEvents", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "Internal server error", resp["error"])

	// 沒有設定歷史時不提供此端點
	plain := newTestEnv(t, handler.Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/roomEvents", nil)
	w := httptest.NewRecorder()
	plain.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
