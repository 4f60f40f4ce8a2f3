package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/gblink/internal/events"
	"github.com/koopa0/gblink/internal/testutils"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// recordingPublisher 記錄事件，可設定錯誤或阻塞
type recordingPublisher struct {
	name  string
	err   error
	block chan struct{}

	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestDispatcher_FansOut(t *testing.T) {
	ok := &recordingPublisher{name: "ok"}
	failing := &recordingPublisher{name: "failing", err: errors.New("boom")}

	d := events.NewDispatcher(16, time.Second, testLogger(), ok, failing)
	d.Emit(events.Event{Type: events.RoomCreated, RoomID: 1, Code: "ABCDEF"})
	d.Emit(events.Event{Type: events.RoomClosed, RoomID: 1, Code: "ABCDEF", Reason: "inactive"})
	d.Close()

	require.Equal(t, 2, ok.count())
	assert.Equal(t, events.RoomCreated, ok.events[0].Type)
	assert.False(t, ok.events[0].At.IsZero(), "Emit 應補上時間")
	assert.Equal(t, 2, failing.count())

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Zero(t, stats.Dropped)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	slow := &recordingPublisher{name: "slow", block: make(chan struct{})}
	d := events.NewDispatcher(1, time.Second, testLogger(), slow)

	// 第一個事件被工作 goroutine 取走後阻塞，之後只能再放一個
	for i := range 10 {
		d.Emit(events.Event{Type: events.RoomCreated, RoomID: i})
	}
	close(slow.block)
	d.Close()

	stats := d.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, int64(8))
	assert.Equal(t, int64(10), stats.Dropped+stats.Published)

	// 關閉後的事件直接丟棄
	d.Emit(events.Event{Type: events.RoomCreated})
	assert.Equal(t, stats.Dropped+1, d.Stats().Dropped)
}

func TestDispatcher_PublishTimeout(t *testing.T) {
	stuck := &recordingPublisher{name: "stuck", block: make(chan struct{})}
	d := events.NewDispatcher(4, 20*time.Millisecond, testLogger(), stuck)

	d.Emit(events.Event{Type: events.RoomJoined})
	d.Close()

	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestEvent_JSON(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := json.Marshal(events.Event{
		Type:   events.RoomJoined,
		RoomID: 7,
		Code:   "QWERTY",
		UserID: 42,
		Role:   "participant",
		At:     at,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "room_joined",
		"room_id": 7,
		"code": "QWERTY",
		"user_id": 42,
		"role": "participant",
		"at": "2026-01-02T03:04:05Z"
	}`, string(data))
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes json to channel", func(t *testing.T) {
		client := &fakeRedis{}
		p := events.NewRedisPublisher(client, "gblink:rooms")

		require.NoError(t, p.Publish(ctx, events.Event{Type: events.RoomClosed, RoomID: 3, Reason: "user_request"}))
		assert.Equal(t, "gblink:rooms", client.channel)

		var got events.Event
		require.NoError(t, json.Unmarshal(client.payload, &got))
		assert.Equal(t, events.RoomClosed, got.Type)
		assert.Equal(t, "user_request", got.Reason)
	})

	t.Run("wraps client error", func(t *testing.T) {
		p := events.NewRedisPublisher(&fakeRedis{err: redis.ErrClosed}, "c")
		err := p.Publish(ctx, events.Event{Type: events.RoomCreated})
		assert.ErrorIs(t, err, redis.ErrClosed)
	})
}

type fakeNATS struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeNATS) PublishMsg(m *nats.Msg) error {
	f.msgs = append(f.msgs, m)
	return f.err
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeNATS{}
	p := events.NewNATSPublisher(conn, "gblink.rooms")

	require.NoError(t, p.Publish(context.Background(), events.Event{Type: events.RoomCreated, Code: "ZXCVBN"}))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "gblink.rooms.room_created", conn.msgs[0].Subject)
	assert.Equal(t, "ZXCVBN", conn.msgs[0].Header.Get("Room-Code"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Publish(ctx, events.Event{Type: events.RoomCreated})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, conn.msgs, 1)

	conn.err = nats.ErrConnectionClosed
	err = p.Publish(context.Background(), events.Event{Type: events.RoomClosed})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestRedisPublisher_Integration(t *testing.T) {
	client := testutils.StartRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "gblink:test")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := events.NewRedisPublisher(client, "gblink:test")
	require.NoError(t, p.Publish(ctx, events.Event{Type: events.RoomJoined, RoomID: 9, Code: "ASDFGH"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, events.RoomJoined, got.Type)
	assert.Equal(t, 9, got.RoomID)
}

func TestPostgresHistory_Integration(t *testing.T) {
	pg := testutils.StartPostgres(t)
	ctx := context.Background()
	h := events.NewPostgresHistory(pg.Pool)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.Publish(ctx, events.Event{Type: events.RoomCreated, RoomID: 1, Code: "AAAAAA", UserID: 5, Role: "owner", At: base}))
	require.NoError(t, h.Publish(ctx, events.Event{Type: events.RoomClosed, RoomID: 1, Code: "AAAAAA", Reason: "inactive", At: base.Add(time.Minute)}))

	got, err := h.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, events.RoomClosed, got[0].Type)
	assert.Equal(t, "inactive", got[0].Reason)
	assert.Zero(t, got[0].UserID)
	assert.Equal(t, events.RoomCreated, got[1].Type)
	assert.Equal(t, int64(5), got[1].UserID)
	assert.True(t, base.Equal(got[1].At))

	pg.Truncate(t, "room_events")
	got, err = h.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
