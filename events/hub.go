package events

import (
	"log/slog"
	"sync"

	"github.com/OrrinLabs/tally/models"
)

// Firehose subscribes to events from every counter.
const Firehose = ""

const defaultChannelSize = 64

// Unsubscriber detaches a subscription and closes its channel. Safe to
// call more than once.
type Unsubscriber func()

type Config struct {
	Logger *slog.Logger

	// ChannelSize is each subscriber's buffer. Once a buffer is full
	// further events for that subscriber are dropped, never blocking
	// the publisher.
	ChannelSize int
}

// Hub fans counter change events out to watch sessions and the
// dashboard. Publishing is fire-and-forget.
type Hub struct {
	logger      *slog.Logger
	channelSize int

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan models.CounterEvent
}

func NewHub(config Config) *Hub {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = defaultChannelSize
	}
	return &Hub{
		logger:      config.Logger.WithGroup("events"),
		channelSize: config.ChannelSize,
		subs:        make(map[string]map[int]chan models.CounterEvent),
	}
}

// Subscribe registers interest in one counter's events, or every
// counter's with Firehose. The channel is closed by the Unsubscriber.
func (h *Hub) Subscribe(counterID string) (<-chan models.CounterEvent, Unsubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan models.CounterEvent, h.channelSize)
	if h.subs[counterID] == nil {
		h.subs[counterID] = make(map[int]chan models.CounterEvent)
	}
	h.subs[counterID][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			group, ok := h.subs[counterID]
			if !ok {
				return
			}
			if c, ok := group[id]; ok {
				delete(group, id)
				close(c)
			}
			if len(group) == 0 {
				delete(h.subs, counterID)
			}
		})
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(event models.CounterEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.deliver(h.subs[event.CounterID], event)
	if event.CounterID != Firehose {
		h.deliver(h.subs[Firehose], event)
	}
}

func (h *Hub) deliver(group map[int]chan models.CounterEvent, event models.CounterEvent) {
	for _, ch := range group {
		select {
		case ch <- event:
		default:
			h.logger.Debug("subscriber buffer full, dropping event",
				"counter", event.CounterID, "kind", event.Kind)
		}
	}
}

// Subscribers reports the number of attached subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, group := range h.subs {
		total += len(group)
	}
	return total
}
