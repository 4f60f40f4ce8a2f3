package link

import (
	"fmt"
	"log/slog"

	"github.com/koopa0/gblink/internal/protocol"
	apperrors "github.com/koopa0/gblink/pkg/errors"
)

// Role 房間中的身分
type Role int

const (
	RoleOwner Role = iota
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleParticipant:
		return "participant"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Partner 另一方的身分
func (r Role) Partner() Role {
	if r == RoleOwner {
		return RoleParticipant
	}
	return RoleOwner
}

// MarshalText 以 owner / participant 序列化
func (r Role) MarshalText() ([]byte, error) {
	switch r {
	case RoleOwner, RoleParticipant:
		return []byte(r.String()), nil
	}
	return nil, fmt.Errorf("unknown role %d", int(r))
}

// UnmarshalText 解析 owner / participant
func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "owner":
		*r = RoleOwner
	case "participant":
		*r = RoleParticipant
	default:
		return fmt.Errorf("unknown role %q", text)
	}
	return nil
}

// CloseReason 房間關閉原因
type CloseReason string

const (
	CloseUserRequest    CloseReason = "user_request"
	CloseInactive       CloseReason = "inactive"
	CloseTransportError CloseReason = "transport_error"
	CloseServerShutdown CloseReason = "server_shutdown"
)

// Peer 已連線客戶端的發送端
//
// Send 不可阻塞；Close 可重複呼叫；Done 在連線結束後關閉。
type Peer interface {
	Send(msg protocol.ClientMessage)
	Close()
	Done() <-chan struct{}
}

// StateKind 客戶端狀態類型
type StateKind int

const (
	// StateIdle 已結算的暫存器值，沒有在等待
	StateIdle StateKind = iota
	// StatePresented 已提供位元組，等對方推送
	StatePresented
	// StatePushed 已推送，等回應；Stale 為先給出的舊值
	StatePushed
	// StateUnexpectedPush 對方在本方沒預期時推送了
	StateUnexpectedPush
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StatePresented:
		return "presented"
	case StatePushed:
		return "pushed"
	case StateUnexpectedPush:
		return "unexpected_push"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// ClientState 單一客戶端的位元組交換狀態
type ClientState struct {
	Kind  StateKind
	Byte  byte
	Stale byte // 僅 StatePushed
}

func Idle(b byte) ClientState           { return ClientState{Kind: StateIdle, Byte: b} }
func Presented(b byte) ClientState      { return ClientState{Kind: StatePresented, Byte: b} }
func Pushed(b, stale byte) ClientState  { return ClientState{Kind: StatePushed, Byte: b, Stale: stale} }
func UnexpectedPush(b byte) ClientState { return ClientState{Kind: StateUnexpectedPush, Byte: b} }

func (s ClientState) String() string {
	if s.Kind == StatePushed {
		return fmt.Sprintf("pushed(0x%02X, stale=0x%02X)", s.Byte, s.Stale)
	}
	return fmt.Sprintf("%s(0x%02X)", s.Kind, s.Byte)
}

// RoomConfig 建立房間所需參數
type RoomConfig struct {
	ID      int
	Code    string
	OwnerID int64

	// Post 把函式排進房間所屬的執行迴圈，用於連線中斷通知
	Post func(func())
	// OnClose 房間關閉時呼叫一次，在執行迴圈內
	OnClose func(*Room, CloseReason)
	Logger  *slog.Logger
}

// Room 一個 link 連線房間
//
// 所有方法都必須在同一個執行迴圈中呼叫（通常是 Registry 的迴圈），
// 房間本身不加鎖。
type Room struct {
	id      int
	code    string
	ownerID int64

	participantID  int64
	hasParticipant bool

	peers  [2]Peer
	states [2]ClientState

	active bool
	closed bool

	post    func(func())
	onClose func(*Room, CloseReason)
	logger  *slog.Logger
}

// NewRoom 創建房間
func NewRoom(cfg RoomConfig) *Room {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Room{
		id:      cfg.ID,
		code:    cfg.Code,
		ownerID: cfg.OwnerID,
		states:  [2]ClientState{Idle(protocol.DisconnectedByte), Idle(protocol.DisconnectedByte)},
		active:  true, // 新房間至少保留一個完整的檢查週期
		post:    cfg.Post,
		onClose: cfg.OnClose,
		logger:  logger.With("room_id", cfg.ID, "room_code", cfg.Code),
	}
}

func (r *Room) ID() int        { return r.id }
func (r *Room) Code() string   { return r.code }
func (r *Room) OwnerID() int64 { return r.ownerID }
func (r *Room) IsClosed() bool { return r.closed }

// Participant 返回參加者 ID，尚未有人加入時 ok 為 false
func (r *Room) Participant() (id int64, ok bool) {
	return r.participantID, r.hasParticipant
}

// setParticipant 參加者只能設定一次
func (r *Room) setParticipant(userID int64) {
	r.participantID = userID
	r.hasParticipant = true
}

// State 返回指定身分目前的狀態
func (r *Room) State(role Role) ClientState {
	return r.states[role]
}

// Connected 指定身分是否已連線
func (r *Room) Connected(role Role) bool {
	return r.peers[role] != nil
}

// ConnectClient 把連線綁定到身分上
func (r *Room) ConnectClient(peer Peer, role Role) error {
	if r.closed {
		return apperrors.ErrRoomNotFound
	}
	if r.peers[role] != nil {
		if role == RoleOwner {
			return apperrors.ErrOwnerAlreadyConnected
		}
		return apperrors.ErrParticipantAlreadyConnected
	}

	r.peers[role] = peer
	r.logger.Info("客戶端已連線", "role", role)

	// 連線中斷時回到執行迴圈清除位置，房間保持開啟
	if r.post != nil {
		go func() {
			<-peer.Done()
			r.post(func() { r.clientDisconnected(peer, role) })
		}()
	}
	return nil
}

// clientDisconnected 舊連線的通知直接忽略
func (r *Room) clientDisconnected(peer Peer, role Role) {
	if r.closed || r.peers[role] != peer {
		return
	}
	r.peers[role] = nil
	r.states[role] = Idle(protocol.DisconnectedByte)
	r.logger.Info("客戶端已斷線", "role", role)
}

// ClientInitialByte 設定初始暫存器值
func (r *Room) ClientInitialByte(b byte, role Role) error {
	if err := r.checkPeer(role); err != nil {
		return err
	}
	r.active = true
	r.states[role] = Idle(b)
	return nil
}

// ClientPushByte 客戶端推送位元組（主動方時脈）
func (r *Room) ClientPushByte(b byte, role Role) error {
	if err := r.checkPeer(role); err != nil {
		return err
	}
	r.active = true

	pusher := r.peers[role]
	partnerRole := role.Partner()
	partner := r.peers[partnerRole]

	if partner == nil {
		pusher.Send(protocol.PullByte(protocol.DisconnectedByte))
		r.states[role] = Idle(protocol.DisconnectedByte)
		return nil
	}

	switch ps := r.states[partnerRole]; ps.Kind {
	case StateIdle, StateUnexpectedPush:
		// 對方沒有準備，先回舊值並等待
		pusher.Send(protocol.PullByteStale(ps.Byte))
		r.states[partnerRole] = UnexpectedPush(b)
		r.states[role] = Pushed(b, ps.Byte)

	case StatePresented:
		partner.Send(protocol.BytePushed(b))
		pusher.Send(protocol.PullByte(ps.Byte))
		r.states[partnerRole] = Idle(b)
		r.states[role] = Idle(ps.Byte)

	case StatePushed:
		// 雙方同時推送：對方先前拿到的舊值成為正式結果
		partner.Send(protocol.CommitStaleByte())
		pusher.Send(protocol.PullByteStale(ps.Stale))
		r.states[partnerRole] = UnexpectedPush(b)
		r.states[role] = Pushed(b, ps.Stale)
	}

	r.logger.Debug("push",
		"role", role,
		"byte", b,
		"state", r.states[role],
		"partner_state", r.states[partnerRole])
	return nil
}

// ClientPresentByte 客戶端提供位元組（被動方時脈）
func (r *Room) ClientPresentByte(b byte, role Role) error {
	if err := r.checkPeer(role); err != nil {
		return err
	}
	r.active = true

	partnerRole := role.Partner()
	partner := r.peers[partnerRole]
	ps := r.states[partnerRole]

	if partner == nil || ps.Kind != StatePushed {
		r.states[role] = Presented(b)
		return nil
	}

	partner.Send(protocol.PullByte(b))
	r.peers[role].Send(protocol.BytePushed(ps.Byte))
	r.states[role] = Idle(ps.Byte)
	r.states[partnerRole] = Idle(b)

	r.logger.Debug("present",
		"role", role,
		"byte", b,
		"state", r.states[role],
		"partner_state", r.states[partnerRole])
	return nil
}

func (r *Room) checkPeer(role Role) error {
	if r.closed {
		return apperrors.ErrRoomNotFound
	}
	if r.peers[role] == nil {
		return apperrors.ErrPeerNotConnected.WithDetails(role.String())
	}
	return nil
}

// RequireActivity 週期性呼叫：上次呼叫後沒有任何活動就關閉房間
func (r *Room) RequireActivity() {
	if r.closed {
		return
	}
	if !r.active {
		r.Close(CloseInactive)
		return
	}
	r.active = false
}

// Close 關閉房間與所有連線，可重複呼叫
func (r *Room) Close(reason CloseReason) {
	if r.closed {
		return
	}
	r.closed = true

	for i, p := range r.peers {
		if p != nil {
			p.Close()
			r.peers[i] = nil
		}
	}

	r.logger.Info("房間已關閉", "reason", reason)

	if r.onClose != nil {
		r.onClose(r, reason)
	}
}
