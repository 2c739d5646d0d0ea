package jobstatus

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
)

const (
	defaultRingSize   = 50
	defaultBufferSize = 16
)

// Message is one published transition with a sortable id clients can
// resume from.
type Message struct {
	ID    string
	Event generationdomain.Event
}

// Hub fans job events out to in-process subscribers. Sends never block:
// a subscriber whose buffer is full misses the event and catches up from
// the authoritative row.
type Hub struct {
	mu         sync.Mutex
	topics     map[snowflake.ID]*topic
	ringSize   int
	bufferSize int
}

type topic struct {
	ring     []Message
	subs     map[*Subscription]struct{}
	terminal bool
}

type Subscription struct {
	C <-chan Message

	ch    chan Message
	hub   *Hub
	jobID snowflake.ID
	once  sync.Once
}

func NewHub() *Hub {
	return newHub(defaultRingSize, defaultBufferSize)
}

func newHub(ringSize, bufferSize int) *Hub {
	return &Hub{
		topics:     map[snowflake.ID]*topic{},
		ringSize:   ringSize,
		bufferSize: bufferSize,
	}
}

// Publish implements generationdomain.EventPublisher.
func (h *Hub) Publish(_ context.Context, event generationdomain.Event) {
	h.deliver(Message{ID: ulid.Make().String(), Event: event})
}

// deliver records a message that already carries an id.
func (h *Hub) deliver(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[msg.Event.JobID]
	if t == nil {
		t = &topic{subs: map[*Subscription]struct{}{}}
		h.topics[msg.Event.JobID] = t
	}
	for _, existing := range t.ring {
		if existing.ID == msg.ID {
			return
		}
	}

	t.ring = append(t.ring, msg)
	if len(t.ring) > h.ringSize {
		t.ring = t.ring[len(t.ring)-h.ringSize:]
	}
	for sub := range t.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}

	if msg.Event.State.Terminal() {
		t.terminal = true
		if len(t.subs) == 0 {
			delete(h.topics, msg.Event.JobID)
		}
	}
}

// Subscribe registers for a job's events and returns any retained messages
// newer than lastEventID.
func (h *Hub) Subscribe(jobID snowflake.ID, lastEventID string) (*Subscription, []Message) {
	ch := make(chan Message, h.bufferSize)
	sub := &Subscription{C: ch, ch: ch, hub: h, jobID: jobID}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[jobID]
	if t == nil {
		t = &topic{subs: map[*Subscription]struct{}{}}
		h.topics[jobID] = t
	}
	t.subs[sub] = struct{}{}

	var replay []Message
	if lastEventID != "" {
		for _, msg := range t.ring {
			if msg.ID > lastEventID {
				replay = append(replay, msg)
			}
		}
	}
	return sub, replay
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		t := h.topics[s.jobID]
		if t == nil {
			return
		}
		delete(t.subs, s)
		if len(t.subs) == 0 && (t.terminal || len(t.ring) == 0) {
			delete(h.topics, s.jobID)
		}
	})
}

func (h *Hub) topicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}
