package conversation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

// Outbox 按会话串行化消息落库，并在每个会话独立的 worker 上按序号顺序投递。
//
// Persist 在会话锁内完成 AppendMessage 与入队，所以队列顺序就是
// sequenceNumber 顺序；投递本身不持有该锁，慢订阅者不会拖住下一次落库。
type Outbox struct {
	logger *zap.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
	idle    chan struct{}
}

type lane struct {
	// persist 覆盖 "分配序号 → 入队" 整个临界区
	persist sync.Mutex

	// 以下字段由 Outbox.mu 保护
	queue   []delivery
	running bool
	refs    int
}

type delivery struct {
	ctx  context.Context
	fn   func(context.Context)
	done chan struct{}
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// NewOutbox creates an empty outbox.
func NewOutbox(logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Outbox{
		logger: logger.With(zap.String("component", "outbox")),
		lanes:  make(map[string]*lane),
		idle:   idle,
	}
}

// Persist appends msg to the store and, when deliver is non-nil, queues it
// behind every delivery already queued for the conversation. The returned
// channel closes once deliver has run.
func (o *Outbox) Persist(ctx context.Context, store persistence.ConversationStore, msg *types.Message, deliver func(context.Context)) (<-chan struct{}, error) {
	id := msg.ConversationID
	l := o.acquire(id)
	defer o.release(id, l)

	l.persist.Lock()
	defer l.persist.Unlock()
	if err := store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	if deliver == nil {
		return closedDone, nil
	}
	return o.push(id, l, ctx, deliver), nil
}

// Enqueue queues deliver for a message that already has its sequence number,
// such as a moderated reply being approved.
func (o *Outbox) Enqueue(ctx context.Context, conversationID string, deliver func(context.Context)) <-chan struct{} {
	l := o.acquire(conversationID)
	defer o.release(conversationID, l)

	l.persist.Lock()
	defer l.persist.Unlock()
	return o.push(conversationID, l, ctx, deliver)
}

// Wait blocks until every queued delivery has run or ctx is done.
func (o *Outbox) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) acquire(id string) *lane {
	o.mu.Lock()
	defer o.mu.Unlock()
	l := o.lanes[id]
	if l == nil {
		l = &lane{}
		o.lanes[id] = l
	}
	l.refs++
	return l
}

func (o *Outbox) release(id string, l *lane) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l.refs--
	o.dropIdleLocked(id, l)
}

func (o *Outbox) dropIdleLocked(id string, l *lane) {
	if l.refs == 0 && !l.running && len(l.queue) == 0 {
		delete(o.lanes, id)
	}
}

func (o *Outbox) push(id string, l *lane, ctx context.Context, fn func(context.Context)) <-chan struct{} {
	d := delivery{ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan struct{})}

	o.mu.Lock()
	if o.pending == 0 {
		o.idle = make(chan struct{})
	}
	o.pending++
	l.queue = append(l.queue, d)
	start := !l.running
	l.running = true
	o.mu.Unlock()

	if start {
		go o.drain(id, l)
	}
	return d.done
}

func (o *Outbox) drain(id string, l *lane) {
	for {
		o.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			o.dropIdleLocked(id, l)
			o.mu.Unlock()
			return
		}
		d := l.queue[0]
		l.queue[0] = delivery{}
		l.queue = l.queue[1:]
		o.mu.Unlock()

		o.run(id, d)

		o.mu.Lock()
		o.pending--
		if o.pending == 0 {
			close(o.idle)
		}
		o.mu.Unlock()
	}
}

func (o *Outbox) run(id string, d delivery) {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("delivery panicked",
				zap.String("conversation_id", id),
				zap.Any("panic", r))
		}
	}()
	d.fn(d.ctx)
}
