// Package realtime fans attendance events out to room subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/rollcall/attendance-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	ClientBufferSize  = 100
	AdminRoom         = "admin-panel"
)

func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw}, nil
}

type Client struct {
	Room   string
	Events chan Event
	Done   chan struct{}
}

// Broker delivers events to clients grouped by room. With a Redis client,
// publishes go through pub/sub and every room with local clients holds one
// subscription; without one, publishes fan out in process.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Client]bool // room -> set of clients
	subs    map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Client]bool),
		subs:    make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(room string) *Client {
	client := &Client{
		Room:   room,
		Events: make(chan Event, ClientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[room] == nil {
		b.clients[room] = make(map[*Client]bool)
		if b.redis != nil {
			subCtx, stop := context.WithCancel(b.ctx)
			b.subs[room] = stop
			go b.subscribeToRedis(subCtx, room)
		}
	}
	b.clients[room][client] = true
	clientCount := len(b.clients[room])
	b.mu.Unlock()

	log.Info().
		Str("room", room).
		Int("clientCount", clientCount).
		Msg("realtime client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[client.Room]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Done)

	if len(clients) == 0 {
		delete(b.clients, client.Room)
		if stop, ok := b.subs[client.Room]; ok {
			stop()
			delete(b.subs, client.Room)
		}
	}

	log.Info().
		Str("room", client.Room).
		Int("clientCount", len(clients)).
		Msg("realtime client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, room string, event Event) error {
	if b.redis == nil {
		b.broadcast(room, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.RoomChannel(room), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, room string) {
	channel := redisclient.RoomChannel(room)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Str("room", room).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(room, event)
		}
	}
}

func (b *Broker) broadcast(room string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients[room] {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("room", room).
				Str("eventType", event.Type).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.subs = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[room])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
