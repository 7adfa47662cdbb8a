package core

import (
	"sync"

	"github.com/spaghettifunk/raylight/engine/containers"
)

// System internal message codes. Applications should use codes beyond 255.
type MessageCode int

const (
	// Shuts the application down on the next frame.
	MESSAGE_CODE_APPLICATION_QUIT MessageCode = 0x01

	// Resized/resolution changed from the OS.
	/* Payload usage:
	 * u32 width = data.U32[0];
	 * u32 height = data.U32[1];
	 */
	MESSAGE_CODE_RESIZED MessageCode = 0x02

	// An asset on disk changed.
	/* Payload usage:
	 * string path = data.Path;
	 * u32 kind = data.U32[0];
	 */
	MESSAGE_CODE_ASSET_CHANGED MessageCode = 0x03

	MAX_MESSAGE_CODE MessageCode = 0xFF
)

type Message struct {
	Code   MessageCode
	Sender interface{}
	Data   struct {
		U32  [4]uint32
		F32  [4]float32
		Path string
	}
}

// MessageQueue collects messages posted from any goroutine. The engine loop
// drains it synchronously once per frame, so handlers always run on the
// main thread.
type MessageQueue struct {
	mu    sync.Mutex
	queue *containers.RingQueue[Message]
}

func NewMessageQueue(capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MessageQueue{
		queue: containers.NewRingQueue[Message](capacity),
	}
}

// Post enqueues m, growing the backing ring when it is full.
func (q *MessageQueue) Post(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue.IsFull() {
		q.queue.Grow()
	}
	// cannot fail after Grow
	_ = q.queue.Enqueue(m)
}

// Drain hands every message queued so far to fn in posting order. Messages
// posted by fn itself are left for the next Drain. Returns the number of
// messages handled.
func (q *MessageQueue) Drain(fn func(Message)) int {
	q.mu.Lock()
	pending := make([]Message, 0, q.queue.Len())
	for !q.queue.IsEmpty() {
		m, _ := q.queue.Dequeue()
		pending = append(pending, m)
	}
	q.mu.Unlock()

	for _, m := range pending {
		fn(m)
	}
	return len(pending)
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}
