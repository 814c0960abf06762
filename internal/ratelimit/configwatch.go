package ratelimit

import (
	"context"
	"log/slog"
	"strings"
)

// WatchConfig subscribes to rate_limit:config:<model> and invalidates that
// model's cached buckets/verdicts whenever a create|update|delete event
// arrives, since rate-limit configuration is dynamic. It blocks
// until ctx is canceled; failures are logged and non-fatal, matching the
// Config Plane subscriber's degrade-gracefully posture.
func (l *ModelLimiter) WatchConfig(ctx context.Context) {
	if l.rdb == nil {
		return
	}
	pubsub := l.rdb.PSubscribe(ctx, "rate_limit:config:*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		l.log.WarnContext(ctx, "ratelimit: config watch subscribe failed", slog.String("error", err.Error()))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			model := strings.TrimPrefix(msg.Channel, "rate_limit:config:")
			l.invalidateModel(model)
		}
	}
}
