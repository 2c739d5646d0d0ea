package jobstatus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genbroker/internal/config"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const eventsChannel = "genbroker:generation:events"

type envelope struct {
	ID    string                 `json:"id"`
	Event generationdomain.Event `json:"event"`
}

// Bridge relays job events between instances over redis pub/sub so a
// subscriber connected to one instance sees transitions applied by another.
type Bridge struct {
	client *redis.Client
	hub    *Hub
	log    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type BridgeParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *redis.Client `optional:"true"`
	Config    config.Config
	Hub       *Hub
	Log       *zap.Logger
}

// NewBridge returns nil when redis is not configured or bridging is off.
func NewBridge(p BridgeParams) *Bridge {
	if p.Client == nil || !p.Config.Redis.BridgeEvents {
		return nil
	}
	b := &Bridge{
		client: p.Client,
		hub:    p.Hub,
		log:    p.Log.Named("jobstatus.bridge"),
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			b.cancel = cancel
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			if b.cancel != nil {
				b.cancel()
			}
			b.wg.Wait()
			return nil
		},
	})
	return b
}

// Publish delivers locally right away and fans out to other instances. The
// echo from redis is dropped by id.
func (b *Bridge) Publish(ctx context.Context, event generationdomain.Event) {
	msg := Message{ID: ulid.Make().String(), Event: event}
	b.hub.deliver(msg)

	payload, err := json.Marshal(envelope{ID: msg.ID, Event: event})
	if err != nil {
		b.log.Warn("encode job event", zap.Error(err))
		return
	}
	if err := b.client.Publish(context.WithoutCancel(ctx), eventsChannel, payload).Err(); err != nil {
		b.log.Warn("publish job event", zap.String("job_id", event.JobID.String()), zap.Error(err))
	}
}

func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil || env.ID == "" {
				b.log.Warn("dropping malformed job event")
				continue
			}
			b.hub.deliver(Message{ID: env.ID, Event: env.Event})
		}
	}
}

// NewPublisher selects the bridge when it is running and the local hub
// otherwise.
func NewPublisher(hub *Hub, bridge *Bridge) generationdomain.EventPublisher {
	if bridge != nil {
		return bridge
	}
	return hub
}
