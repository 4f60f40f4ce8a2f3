package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher 非同步事件分派器
//
// Emit 不會阻塞呼叫端，緩衝區滿時直接丟棄並記錄警告。
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration
	logger     *slog.Logger

	queue     chan Event
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	dropped   atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
}

// DispatcherStats 分派統計
type DispatcherStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// NewDispatcher 創建分派器並啟動工作 goroutine
func NewDispatcher(bufferSize int, timeout time.Duration, logger *slog.Logger, publishers ...Publisher) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		publishers: publishers,
		timeout:    timeout,
		logger:     logger,
		queue:      make(chan Event, bufferSize),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// Emit 送出事件，不阻塞
func (d *Dispatcher) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.dropped.Add(1)
		return
	}

	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("事件緩衝區已滿，丟棄事件",
			"type", e.Type,
			"room_id", e.RoomID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for e := range d.queue {
		d.publish(e)
	}
}

func (d *Dispatcher) publish(e Event) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := p.Publish(ctx, e)
		cancel()

		if err != nil {
			d.failed.Add(1)
			d.logger.Error("發布事件失敗",
				"publisher", p.Name(),
				"type", e.Type,
				"room_id", e.RoomID,
				"error", err)
			continue
		}
		d.published.Add(1)
	}
}

// Close 停止接收新事件，並等待佇列中的事件發布完畢
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.queue)
		d.mu.Unlock()

		d.wg.Wait()
	})
}

// Stats 返回統計資訊
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
