package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const brokerChannel = "chatsync:updates"

// relay is what instances exchange through Redis
type relay struct {
	Origin  string            `json:"origin"`
	UserID  int64             `json:"userId"`
	Updates []protocol.Update `json:"updates"`
}

const (
	relayQueueSize = 1024
	publishTimeout = 2 * time.Second
)

// Broker extends a local Hub across instances. Every push is delivered to
// local sessions at once and queued for publishing so peers deliver to
// theirs. Redis never sits on the local delivery path.
type Broker struct {
	rdb     *redis.Client
	hub     *Hub
	origin  string
	channel string
	pending chan relay
	retry   time.Duration
	log     *zap.SugaredLogger
}

func NewBroker(rdb *redis.Client, hub *Hub, log *zap.SugaredLogger) *Broker {
	return &Broker{
		rdb:     rdb,
		hub:     hub,
		origin:  ulid.Make().String(),
		channel: brokerChannel,
		pending: make(chan relay, relayQueueSize),
		retry:   5 * time.Second,
		log:     logging.OrNop(log),
	}
}

// PushToUser implements the dispatcher contract on top of the local hub
func (b *Broker) PushToUser(userID int64, updates ...protocol.Update) {
	if len(updates) == 0 {
		return
	}
	b.hub.PushToUser(userID, updates...)

	select {
	case b.pending <- relay{Origin: b.origin, UserID: userID, Updates: updates}:
	default:
		// peers miss this push; their sessions catch up through history
		b.hub.metrics.RelayDropped.Inc()
		b.log.Warnf("relay queue full, dropping updates for user %d", userID)
	}
}

// Run publishes queued pushes and relays pushes published by other
// instances until ctx is done. Redis being unavailable is logged and
// retried; it never ends Run with an error.
func (b *Broker) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.publish(ctx)
	}()
	defer func() { <-done }()

	for {
		err := b.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warnf("broker subscription lost, retrying in %s: %v", b.retry, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retry):
		}
	}
}

func (b *Broker) publish(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-b.pending:
			data, err := json.Marshal(r)
			if err != nil {
				b.log.Errorf("failed to marshal relay: %v", err)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err = b.rdb.Publish(pctx, b.channel, data).Err()
			cancel()
			if err != nil {
				b.log.Warnf("failed to publish updates for user %d: %v", r.UserID, err)
			}
		}
	}
}

func (b *Broker) subscribe(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.log.Infof("broker subscribed to %s as %s", b.channel, b.origin)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			b.deliver([]byte(msg.Payload))
		}
	}
}

func (b *Broker) deliver(payload []byte) {
	var r relay
	if err := json.Unmarshal(payload, &r); err != nil {
		b.log.Warnf("dropping malformed relay: %v", err)
		return
	}
	if r.Origin == b.origin {
		return
	}
	b.hub.metrics.Relayed.Inc()
	b.hub.PushToUser(r.UserID, r.Updates...)
}
