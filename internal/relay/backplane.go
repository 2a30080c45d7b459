package relay

import (
	"context"
	"encoding/json"

	"codeloft/api/internal/util"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const backplaneChannel = "relay:events"

// backplaneMessage is one broadcast frame in flight between instances. The
// origin id lets each instance skip frames it published itself.
type backplaneMessage struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Backplane relays broadcast frames between instances over Redis pub/sub,
// so a room split across processes still behaves as one room.
type Backplane struct {
	rdb      *redis.Client
	instance string
	cancel   context.CancelFunc
	logger   *zap.Logger
}

func NewBackplane(rdb *redis.Client, logger *zap.Logger) *Backplane {
	return &Backplane{
		rdb:      rdb,
		instance: util.NewID("ins"),
		logger:   logger,
	}
}

// Publish pushes a frame to the other instances. Failures are logged and
// swallowed: local delivery already happened and must not be undone.
func (b *Backplane) Publish(roomID string, frame []byte) {
	msg, err := json.Marshal(backplaneMessage{
		Origin:  b.instance,
		Room:    roomID,
		Payload: frame,
	})
	if err != nil {
		b.logger.Error("encode backplane message", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(context.Background(), backplaneChannel, msg).Err(); err != nil {
		b.logger.Warn("publish backplane message", zap.Error(err))
	}
}

// Run subscribes and feeds remote frames to handler until Close is called.
func (b *Backplane) Run(handler func(roomID string, frame []byte)) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	sub := b.rdb.Subscribe(ctx, backplaneChannel)

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub.Channel():
				if !ok {
					return
				}
				var msg backplaneMessage
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("dropping unparseable backplane message", zap.Error(err))
					continue
				}
				if msg.Origin == b.instance {
					continue
				}
				handler(msg.Room, msg.Payload)
			}
		}
	}()
}

func (b *Backplane) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}
