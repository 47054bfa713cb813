package redis

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	fanoutChannelPrefix = "relay:room:"
	fanoutPattern       = fanoutChannelPrefix + "*"
)

// LocalDeliverer hands an encoded event to the connections of this instance.
type LocalDeliverer interface {
	Deliver(roomKey, exceptConnID string, payload []byte)
}

// EventEncoder builds the wire form of an event.
type EventEncoder func(roomKey, eventType string, data interface{}) ([]byte, error)

type envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// Fanout broadcasts room events through Redis pub/sub so that every server
// instance delivers them to its own connections. Events published by one
// Fanout keep their order.
type Fanout struct {
	client *Client
	local  LocalDeliverer
	encode EventEncoder
	origin string
	logger *zap.Logger
}

func NewFanout(client *Client, local LocalDeliverer, encode EventEncoder, logger *zap.Logger) *Fanout {
	return &Fanout{
		client: client,
		local:  local,
		encode: encode,
		origin: uuid.NewString(),
		logger: logger,
	}
}

func (f *Fanout) Emit(roomKey, eventType string, data interface{}) {
	f.EmitExcept(roomKey, "", eventType, data)
}

// EmitExcept publishes the event. The excluded connection id only matches on
// the instance that published it.
func (f *Fanout) EmitExcept(roomKey, exceptConnID, eventType string, data interface{}) {
	event, err := f.encode(roomKey, eventType, data)
	if err != nil {
		f.logger.Error("[REDIS] Failed to marshal event", zap.String("type", eventType), zap.String("room", roomKey), zap.Error(err))
		return
	}

	payload, err := json.Marshal(envelope{
		Origin: f.origin,
		Room:   roomKey,
		Except: exceptConnID,
		Event:  event,
	})
	if err != nil {
		f.logger.Error("[REDIS] Failed to marshal envelope", zap.String("type", eventType), zap.String("room", roomKey), zap.Error(err))
		return
	}

	channel := fanoutChannelPrefix + roomKey
	// Not bound to the publishing connection's lifetime.
	if err := f.client.rdb.Publish(context.Background(), channel, payload).Err(); err != nil {
		f.logger.Error("[REDIS] Failed to publish event", zap.String("type", eventType), zap.String("channel", channel), zap.Error(err))
	}
}

// Run subscribes to every room channel and delivers events locally until ctx
// is cancelled. ready, if non-nil, is closed once the subscription is live.
func (f *Fanout) Run(ctx context.Context, ready chan<- struct{}) error {
	f.logger.Info("[REDIS] Starting Redis pub/sub subscription", zap.String("pattern", fanoutPattern))

	pubsub := f.client.rdb.PSubscribe(ctx, fanoutPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		f.logger.Error("[REDIS] Failed to receive subscription confirmation", zap.Error(err))
		return err
	}
	if ready != nil {
		close(ready)
	}

	f.logger.Info("[REDIS] Subscription confirmed, listening for events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("[REDIS] Pub/sub subscription stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				f.logger.Info("[REDIS] Redis pub/sub channel closed")
				return nil
			}
			f.handle(msg.Channel, msg.Payload)
		}
	}
}

func (f *Fanout) handle(channel, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		f.logger.Error("[REDIS] Error unmarshaling envelope", zap.String("channel", channel), zap.Error(err))
		return
	}

	room := env.Room
	if room == "" {
		room = strings.TrimPrefix(channel, fanoutChannelPrefix)
	}

	except := ""
	if env.Origin == f.origin {
		except = env.Except
	}
	f.local.Deliver(room, except, env.Event)
}
