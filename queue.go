package runloop

import (
	"runtime/debug"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"runloop/pkg/logging"
)

// Message is a unit of work delivered on the dispatch thread.
type Message interface {
	MessageCallback()
}

// MessageFunc adapts a plain function to a Message.
type MessageFunc func()

func (f MessageFunc) MessageCallback() {
	f()
}

// messageQueue carries messages from any goroutine to the dispatch thread.
// Every post accounts for at most one wake byte and every pop consumes at
// most one, so the socket pair empties together with the queue.
type messageQueue struct {
	mu    sync.Mutex
	queue *queue.Queue
	wake  *wakeChannel
}

func newMessageQueue(wake *wakeChannel) *messageQueue {
	return &messageQueue{
		queue: queue.New(),
		wake:  wake,
	}
}

func (q *messageQueue) post(msg Message) {
	q.mu.Lock()
	q.queue.Add(msg)
	q.mu.Unlock()

	q.wake.signal()
}

func (q *messageQueue) popNext() Message {
	q.wake.drain()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.Length() == 0 {
		return nil
	}
	return q.queue.Remove().(Message)
}

func (q *messageQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Length()
}

// dispatchAll is bound to the wake channel's read end.
func (q *messageQueue) dispatchAll(_ int) {
	for msg := q.popNext(); msg != nil; msg = q.popNext() {
		deliver(msg)
	}
}

func deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("message panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	msg.MessageCallback()
}
