// Package link 實作 link 連線房間、房間登記表與傳輸層
package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/gblink/internal/events"
	"github.com/koopa0/gblink/internal/keygen"
	"github.com/koopa0/gblink/internal/protocol"
	apperrors "github.com/koopa0/gblink/pkg/errors"
)

const (
	// ExpiredRoomHistory 保留多少個已關閉房間用於區分「已過期」與「不存在」
	ExpiredRoomHistory = 100
	// roomCodeAttempts 產生房間碼的重試次數
	roomCodeAttempts = 5

	defaultInactivityInterval = 2 * time.Minute
)

// RoomKey 連線金鑰與其身分
type RoomKey struct {
	Role Role   `json:"role"`
	Key  string `json:"key"`
}

// ClientInfo 加入房間後交給客戶端的資訊
type ClientInfo struct {
	RoomID   int     `json:"roomID"`
	RoomCode string  `json:"roomCode"`
	RoomKey  RoomKey `json:"roomKey"`
	LinkPort int     `json:"linkPort"`
}

// Binding 金鑰兌換出的房間與身分
type Binding struct {
	RoomID int
	Code   string
	Role   Role
}

// Stats 登記表統計
type Stats struct {
	ActiveRooms    int  `json:"active_rooms"`
	ExpiredRooms   int  `json:"expired_rooms"`
	ConnectedPeers int  `json:"connected_peers"`
	PendingKeys    int  `json:"pending_keys"`
	CleanupArmed   bool `json:"cleanup_armed"`
}

// Options 登記表參數
type Options struct {
	Generator          keygen.Generator
	InactivityInterval time.Duration
	Emit               func(events.Event)
	Logger             *slog.Logger
}

// Registry 房間登記表
//
// 登記表與所有房間共用一個執行迴圈：所有狀態只在 loop goroutine 中讀寫，
// 外部呼叫與 I/O 回呼都包成函式送進 ops。
type Registry struct {
	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	gen      keygen.Generator
	interval time.Duration
	emit     func(events.Event)
	logger   *slog.Logger

	// 以下僅在執行迴圈中存取
	nextRoomID      int
	activeRooms     map[string]*Room
	roomsByID       map[int]*Room
	expired         *expiredRooms
	userToRoomCode  map[int64]string
	ownerKeys       map[string]string
	participantKeys map[string]string
	keysByRoom      map[string]map[string]struct{}
	listeningPort   int
	cleanupStop     chan struct{}
}

// NewRegistry 創建登記表並啟動執行迴圈
func NewRegistry(opts Options) *Registry {
	if opts.Generator == nil {
		opts.Generator = keygen.New()
	}
	if opts.InactivityInterval <= 0 {
		opts.InactivityInterval = defaultInactivityInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Emit == nil {
		opts.Emit = func(events.Event) {}
	}

	r := &Registry{
		ops:             make(chan func(), 256),
		quit:            make(chan struct{}),
		loopDone:        make(chan struct{}),
		gen:             opts.Generator,
		interval:        opts.InactivityInterval,
		emit:            opts.Emit,
		logger:          opts.Logger,
		activeRooms:     make(map[string]*Room),
		roomsByID:       make(map[int]*Room),
		expired:         newExpiredRooms(ExpiredRoomHistory),
		userToRoomCode:  make(map[int64]string),
		ownerKeys:       make(map[string]string),
		participantKeys: make(map[string]string),
		keysByRoom:      make(map[string]map[string]struct{}),
	}

	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.loopDone)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

// post 從其他 goroutine 排入執行迴圈；登記表停止後直接丟棄
func (r *Registry) post(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.quit:
	}
}

// do 在執行迴圈中執行 fn 並等待完成
//
// ctx 只在排入之前生效；排入後一定等到 fn 執行完畢並返回其結果。
// 迴圈內的函式都不會阻塞。
func (r *Registry) do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}

	select {
	case r.ops <- op:
	case <-r.quit:
		return apperrors.ErrRegistryStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-r.loopDone:
		// 迴圈可能在結束前剛好執行完 fn
		select {
		case <-done:
			return nil
		default:
			return apperrors.ErrRegistryStopped
		}
	}
}

// SetListeningPort 設定 link 伺服器的埠號，port <= 0 表示未啟動
func (r *Registry) SetListeningPort(ctx context.Context, port int) error {
	return r.do(ctx, func() {
		if port < 0 {
			port = 0
		}
		r.listeningPort = port
	})
}

// CreateRoom 為使用者建立房間並發出擁有者金鑰
func (r *Registry) CreateRoom(ctx context.Context, userID int64) (ClientInfo, error) {
	var (
		info ClientInfo
		err  error
	)
	if doErr := r.do(ctx, func() { info, err = r.createRoom(userID) }); doErr != nil {
		return ClientInfo{}, doErr
	}
	return info, err
}

func (r *Registry) createRoom(userID int64) (ClientInfo, error) {
	if _, ok := r.userToRoomCode[userID]; ok {
		return ClientInfo{}, apperrors.ErrUserAlreadyInRoom
	}
	if r.listeningPort == 0 {
		return ClientInfo{}, apperrors.ErrLinkServerNotRunning
	}

	code, err := r.newRoomCode()
	if err != nil {
		return ClientInfo{}, err
	}

	r.nextRoomID++
	room := NewRoom(RoomConfig{
		ID:      r.nextRoomID,
		Code:    code,
		OwnerID: userID,
		Post:    r.post,
		OnClose: r.roomClosed,
		Logger:  r.logger,
	})

	r.activeRooms[code] = room
	r.roomsByID[room.ID()] = room
	r.userToRoomCode[userID] = code

	key, err := r.issueKey(code, RoleOwner)
	if err != nil {
		// 房間尚未對外公開，直接撤回索引，不發事件也不記入過期紀錄
		delete(r.activeRooms, code)
		delete(r.roomsByID, room.ID())
		delete(r.userToRoomCode, userID)
		return ClientInfo{}, err
	}

	r.armCleanup()

	r.logger.Info("房間已建立", "room_id", room.ID(), "room_code", code, "owner_id", userID)
	r.emit(events.Event{
		Type:   events.RoomCreated,
		RoomID: room.ID(),
		Code:   code,
		UserID: userID,
		Role:   RoleOwner.String(),
	})

	return r.clientInfo(room, RoomKey{Role: RoleOwner, Key: key}), nil
}

// newRoomCode 避開使用中與仍在過期紀錄內的房間碼
func (r *Registry) newRoomCode() (string, error) {
	for range roomCodeAttempts {
		code, err := r.gen.RoomCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.activeRooms[code]; taken {
			continue
		}
		if r.expired.contains(code) {
			continue
		}
		return code, nil
	}
	return "", apperrors.ErrDuplicateRoomCode
}

// issueKey 發出單次使用的連線金鑰
func (r *Registry) issueKey(code string, role Role) (string, error) {
	table := r.ownerKeys
	if role == RoleParticipant {
		table = r.participantKeys
	}

	key := ""
	for range roomCodeAttempts {
		k, err := r.gen.Key()
		if err != nil {
			return "", err
		}
		_, dupOwner := r.ownerKeys[k]
		_, dupParticipant := r.participantKeys[k]
		if !dupOwner && !dupParticipant {
			key = k
			break
		}
	}
	if key == "" {
		return "", apperrors.New(apperrors.ErrCodeInternal, "could not generate a unique connection key")
	}

	table[key] = code
	keys := r.keysByRoom[code]
	if keys == nil {
		keys = make(map[string]struct{})
		r.keysByRoom[code] = keys
	}
	keys[key] = struct{}{}

	return key, nil
}

func (r *Registry) clientInfo(room *Room, key RoomKey) ClientInfo {
	return ClientInfo{
		RoomID:   room.ID(),
		RoomCode: room.Code(),
		RoomKey:  key,
		LinkPort: r.listeningPort,
	}
}

// JoinRoom 加入房間並發出金鑰；擁有者重新加入會拿到新的擁有者金鑰
func (r *Registry) JoinRoom(ctx context.Context, userID int64, code string) (ClientInfo, error) {
	var (
		info ClientInfo
		err  error
	)
	if doErr := r.do(ctx, func() { info, err = r.joinRoom(userID, code) }); doErr != nil {
		return ClientInfo{}, doErr
	}
	return info, err
}

func (r *Registry) joinRoom(userID int64, code string) (ClientInfo, error) {
	if r.expired.contains(code) {
		return ClientInfo{}, apperrors.ErrRoomExpired
	}
	room, ok := r.activeRooms[code]
	if !ok {
		return ClientInfo{}, apperrors.ErrRoomNotFound
	}
	if r.listeningPort == 0 {
		return ClientInfo{}, apperrors.ErrLinkServerNotRunning
	}
	if current, indexed := r.userToRoomCode[userID]; indexed && current != code {
		return ClientInfo{}, apperrors.ErrUserAlreadyInRoom
	}

	role := RoleOwner
	if userID != room.OwnerID() {
		role = RoleParticipant
		participant, has := room.Participant()
		switch {
		case has && participant != userID:
			return ClientInfo{}, apperrors.ErrIncorrectParticipant
		case !has:
			room.setParticipant(userID)
			r.userToRoomCode[userID] = code

			r.logger.Info("參加者已加入", "room_id", room.ID(), "room_code", code, "user_id", userID)
			r.emit(events.Event{
				Type:   events.RoomJoined,
				RoomID: room.ID(),
				Code:   code,
				UserID: userID,
				Role:   role.String(),
			})
		}
	}

	key, err := r.issueKey(code, role)
	if err != nil {
		return ClientInfo{}, err
	}
	return r.clientInfo(room, RoomKey{Role: role, Key: key}), nil
}

// CurrentRoom 查詢使用者所在房間，並重新發出一組金鑰
func (r *Registry) CurrentRoom(ctx context.Context, userID int64) (ClientInfo, bool, error) {
	var (
		info  ClientInfo
		found bool
		err   error
	)
	doErr := r.do(ctx, func() {
		code, ok := r.userToRoomCode[userID]
		if !ok {
			return
		}
		found = true
		info, err = r.joinRoom(userID, code)
	})
	if doErr != nil {
		return ClientInfo{}, false, doErr
	}
	if errors.Is(err, apperrors.ErrLinkServerNotRunning) {
		return ClientInfo{}, false, err
	}
	if err != nil {
		// 索引中的房間一定存在，走到這裡表示內部狀態不一致
		r.logger.Error("使用者索引與房間不一致", "user_id", userID, "error", err)
		return ClientInfo{}, false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "room index out of sync")
	}
	return info, found, nil
}

// CloseRoom 擁有者關閉房間
func (r *Registry) CloseRoom(ctx context.Context, userID int64) error {
	var err error
	if doErr := r.do(ctx, func() {
		code, ok := r.userToRoomCode[userID]
		if !ok {
			err = apperrors.ErrRoomNotFound
			return
		}
		room := r.activeRooms[code]
		if room.OwnerID() != userID {
			err = apperrors.ErrMustBeRoomOwner
			return
		}
		room.Close(CloseUserRequest)
	}); doErr != nil {
		return doErr
	}
	return err
}

// CloseRoomByID 依 ID 關閉房間，供傳輸層回報錯誤
func (r *Registry) CloseRoomByID(ctx context.Context, roomID int, reason CloseReason) error {
	var err error
	if doErr := r.do(ctx, func() {
		room, ok := r.roomsByID[roomID]
		if !ok {
			err = apperrors.ErrRoomNotFound
			return
		}
		room.Close(reason)
	}); doErr != nil {
		return doErr
	}
	return err
}

// roomClosed 房間關閉回呼，從所有索引移除並撤銷金鑰
func (r *Registry) roomClosed(room *Room, reason CloseReason) {
	code := room.Code()

	delete(r.activeRooms, code)
	delete(r.roomsByID, room.ID())

	if r.userToRoomCode[room.OwnerID()] == code {
		delete(r.userToRoomCode, room.OwnerID())
	}
	if participant, ok := room.Participant(); ok && r.userToRoomCode[participant] == code {
		delete(r.userToRoomCode, participant)
	}

	for key := range r.keysByRoom[code] {
		delete(r.ownerKeys, key)
		delete(r.participantKeys, key)
	}
	delete(r.keysByRoom, code)

	r.expired.add(room.ID(), code)

	if len(r.activeRooms) == 0 {
		r.disarmCleanup()
	}

	r.emit(events.Event{
		Type:   events.RoomClosed,
		RoomID: room.ID(),
		Code:   code,
		UserID: room.OwnerID(),
		Reason: string(reason),
	})
}

// ResolveKey 兌換連線金鑰，金鑰只能使用一次
func (r *Registry) ResolveKey(ctx context.Context, key string) (Binding, error) {
	var (
		b   Binding
		err error
	)
	if doErr := r.do(ctx, func() { b, err = r.resolveKey(key) }); doErr != nil {
		return Binding{}, doErr
	}
	return b, err
}

func (r *Registry) resolveKey(key string) (Binding, error) {
	role := RoleOwner
	code, ok := r.ownerKeys[key]
	if ok {
		delete(r.ownerKeys, key)
	} else if code, ok = r.participantKeys[key]; ok {
		role = RoleParticipant
		delete(r.participantKeys, key)
	} else {
		return Binding{}, apperrors.ErrKeyNotFound
	}

	if keys := r.keysByRoom[code]; keys != nil {
		delete(keys, key)
	}

	room := r.activeRooms[code]
	return Binding{RoomID: room.ID(), Code: code, Role: role}, nil
}

// Attach 將連線綁到房間的身分上並回覆 didConnect
func (r *Registry) Attach(ctx context.Context, b Binding, peer Peer) error {
	return r.withRoom(ctx, b.RoomID, func(room *Room) error {
		if err := room.ConnectClient(peer, b.Role); err != nil {
			return err
		}
		// 在迴圈內送出，保證 didConnect 先於任何房間訊息
		peer.Send(protocol.DidConnect())
		return nil
	})
}

// InitialByte 轉送 initialByte 指令
func (r *Registry) InitialByte(ctx context.Context, b Binding, v byte) error {
	return r.withRoom(ctx, b.RoomID, func(room *Room) error {
		return room.ClientInitialByte(v, b.Role)
	})
}

// PushByte 轉送 pushByte 指令
func (r *Registry) PushByte(ctx context.Context, b Binding, v byte) error {
	return r.withRoom(ctx, b.RoomID, func(room *Room) error {
		return room.ClientPushByte(v, b.Role)
	})
}

// PresentByte 轉送 presentByte 指令
func (r *Registry) PresentByte(ctx context.Context, b Binding, v byte) error {
	return r.withRoom(ctx, b.RoomID, func(room *Room) error {
		return room.ClientPresentByte(v, b.Role)
	})
}

func (r *Registry) withRoom(ctx context.Context, roomID int, fn func(*Room) error) error {
	var err error
	if doErr := r.do(ctx, func() {
		room, ok := r.roomsByID[roomID]
		if !ok {
			err = apperrors.ErrRoomNotFound
			return
		}
		err = fn(room)
	}); doErr != nil {
		return doErr
	}
	return err
}

// CheckActivity 立即對所有房間做一次閒置檢查
func (r *Registry) CheckActivity(ctx context.Context) error {
	return r.do(ctx, r.requireActivity)
}

func (r *Registry) requireActivity() {
	// 關閉會修改 activeRooms，先複製
	rooms := make([]*Room, 0, len(r.activeRooms))
	for _, room := range r.activeRooms {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		room.RequireActivity()
	}
}

// armCleanup 有房間時才啟動閒置檢查計時器
func (r *Registry) armCleanup() {
	if r.cleanupStop != nil {
		return
	}

	stop := make(chan struct{})
	r.cleanupStop = stop
	ticker := time.NewTicker(r.interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.post(r.requireActivity)
			case <-stop:
				return
			case <-r.quit:
				return
			}
		}
	}()
}

func (r *Registry) disarmCleanup() {
	if r.cleanupStop == nil {
		return
	}
	close(r.cleanupStop)
	r.cleanupStop = nil
}

// Stats 返回統計資訊
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.do(ctx, func() {
		s.ActiveRooms = len(r.activeRooms)
		s.ExpiredRooms = r.expired.len()
		s.PendingKeys = len(r.ownerKeys) + len(r.participantKeys)
		s.CleanupArmed = r.cleanupStop != nil
		for _, room := range r.activeRooms {
			if room.Connected(RoleOwner) {
				s.ConnectedPeers++
			}
			if room.Connected(RoleParticipant) {
				s.ConnectedPeers++
			}
		}
	})
	return s, err
}

// Stop 關閉所有房間並停止執行迴圈，可重複呼叫
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		err := r.do(context.Background(), func() {
			rooms := make([]*Room, 0, len(r.activeRooms))
			for _, room := range r.activeRooms {
				rooms = append(rooms, room)
			}
			for _, room := range rooms {
				room.Close(CloseServerShutdown)
			}
			r.disarmCleanup()
		})
		if err != nil && !errors.Is(err, apperrors.ErrRegistryStopped) {
			r.logger.Error("關閉房間失敗", "error", err)
		}

		close(r.quit)
		<-r.loopDone
		r.logger.Info("房間登記表已停止")
	})
}

// expiredRooms 固定容量的環狀緩衝區，滿了淘汰最舊的
type expiredRooms struct {
	entries []expiredRoom
	next    int
	size    int
	codes   map[string]int // 同一房間碼可能重複出現
}

type expiredRoom struct {
	id   int
	code string
}

func newExpiredRooms(capacity int) *expiredRooms {
	return &expiredRooms{
		entries: make([]expiredRoom, capacity),
		codes:   make(map[string]int, capacity),
	}
}

func (e *expiredRooms) add(id int, code string) {
	if e.size == len(e.entries) {
		old := e.entries[e.next]
		if e.codes[old.code]--; e.codes[old.code] <= 0 {
			delete(e.codes, old.code)
		}
	} else {
		e.size++
	}

	e.entries[e.next] = expiredRoom{id: id, code: code}
	e.next = (e.next + 1) % len(e.entries)
	e.codes[code]++
}

func (e *expiredRooms) contains(code string) bool {
	return e.codes[code] > 0
}

func (e *expiredRooms) len() int {
	return e.size
}
