package link_test

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/koopa0/gblink/internal/events"
	"github.com/koopa0/gblink/internal/protocol"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// fakePeer 記錄收到的訊息
type fakePeer struct {
	mu   sync.Mutex
	msgs []protocol.ClientMessage
	done chan struct{}
	once sync.Once
}

func newFakePeer() *fakePeer {
	return &fakePeer{done: make(chan struct{})}
}

func (p *fakePeer) Send(msg protocol.ClientMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *fakePeer) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakePeer) Done() <-chan struct{} {
	return p.done
}

func (p *fakePeer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// take 取出並清空已收到的訊息
func (p *fakePeer) take() []protocol.ClientMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

// stubGenerator 依序回傳預設的房間碼，沒有預設時以計數產生；金鑰同樣以計數產生
type stubGenerator struct {
	codes  []string
	next   int
	keys   int
	keyErr error // 非 nil 時 Key 直接失敗
}

func (g *stubGenerator) RoomCode() (string, error) {
	defer func() { g.next++ }()
	if len(g.codes) == 0 {
		return fmt.Sprintf("R%05d", g.next), nil
	}
	return g.codes[g.next%len(g.codes)], nil
}

func (g *stubGenerator) Key() (string, error) {
	if g.keyErr != nil {
		return "", g.keyErr
	}
	g.keys++
	return fmt.Sprintf("key-%018d", g.keys), nil
}

// eventLog 收集登記表發出的事件
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) emit(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
