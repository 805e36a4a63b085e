package cache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/transit/internal/logging"
)

// Publish sends a payload on a pubsub channel, best effort. Horizontal fanout
// is the only clustered hook the engine has; a lost publish only means other
// processes miss one update.
func (c *Client) Publish(channel string, payload []byte) {
	if !c.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		logging.Warn("pubsub publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Subscribe consumes a pubsub channel until ctx is cancelled, re-subscribing
// with exponential backoff when the connection drops. Handler panics are not
// recovered; handlers are expected to be small fanout shims.
func (c *Client) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) {
	if !c.Enabled() {
		return
	}

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry forever
		bo.MaxInterval = 30 * time.Second

		for {
			if ctx.Err() != nil {
				return
			}

			sub := c.rdb.Subscribe(ctx, channel)
			ch := sub.Channel()

		consume:
			for {
				select {
				case <-ctx.Done():
					sub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						break consume
					}
					bo.Reset()
					handler([]byte(msg.Payload))
				}
			}
			sub.Close()

			wait := bo.NextBackOff()
			logging.Warn("pubsub subscription lost, reconnecting",
				zap.String("channel", channel),
				zap.Duration("backoff", wait),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}
