package configplane

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes used both for the data keys themselves and for matching
// keyspace-notification channel names.
const (
	prefixModel     = "model:"
	prefixAPIKey    = "api_key:"
	prefixGuardrail = "guardrail:"
	prefixBlocking  = "blocking:"
)

// retryDelays is the bounded GET-after-SET retry schedule: a `set` keyspace
// event can be observed before the value is fully visible to a subsequent
// GET on a different connection, so a short backoff absorbs that race.
var retryDelays = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}

// Subscriber listens to Redis keyspace notifications for the config-plane
// key prefixes and applies each change to a Plane. It tolerates disconnects:
// on every (re)connect it performs a full key-space rescan before resuming
// incremental updates, so a missed notification never leaves the Plane
// stale indefinitely.
type Subscriber struct {
	rdb   *redis.Client
	plane *Plane
	db    int
	log   *slog.Logger
}

// NewSubscriber returns a Subscriber for the given Redis database index
// (keyspace-notification channels are scoped per logical DB).
func NewSubscriber(rdb *redis.Client, plane *Plane, db int, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{rdb: rdb, plane: plane, db: db, log: log}
}

// Run blocks, rescanning and then streaming keyspace events until ctx is
// canceled or the Redis client is closed. Reconnects are retried with a
// fixed interval; failures are logged and non-fatal — the Plane simply keeps
// serving its last-known-good snapshot.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.rescan(ctx); err != nil {
			s.log.Warn("configplane: rescan failed", "error", err)
		}
		if err := s.listen(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("configplane: keyspace subscription dropped, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// rescan loads every config-plane key currently in Redis. It is invoked on
// startup and after every reconnect so a subscriber gap never causes
// permanent drift.
func (s *Subscriber) rescan(ctx context.Context) error {
	for _, prefix := range []string{prefixModel, prefixAPIKey, prefixGuardrail, prefixBlocking} {
		iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
		for iter.Next(ctx) {
			s.applyKey(ctx, iter.Val(), true)
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscriber) listen(ctx context.Context) error {
	pattern := "__keyevent@" + strconv.Itoa(s.db) + "__:*"
	pubsub := s.rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, msg)
		}
	}
}

func (s *Subscriber) handleEvent(ctx context.Context, msg *redis.Message) {
	// Channel is "__keyevent@<db>__:<event>"; payload is the key name.
	idx := strings.LastIndex(msg.Channel, ":")
	event := ""
	if idx >= 0 {
		event = msg.Channel[idx+1:]
	}
	key := msg.Payload

	switch event {
	case "set":
		s.applyKeyWithRetry(ctx, key)
	case "del", "expired":
		s.applyDelete(key)
	default:
		s.applyKeyWithRetry(ctx, key)
	}
}

func (s *Subscriber) applyKeyWithRetry(ctx context.Context, key string) {
	var lastErr error
	for i, delay := range retryDelays {
		ok, err := s.applyKey(ctx, key, i == len(retryDelays)-1)
		if ok {
			return
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	if lastErr != nil {
		s.log.Warn("configplane: apply key failed after retries", "key", key, "error", lastErr)
	}
}

// applyKey fetches key and applies it to the Plane. It returns true once the
// value was read and applied, or, when deleteIfMissing is set, once a missing
// key was applied as a delete; false means the GET failed or found no value
// yet and should be retried, with err set.
func (s *Subscriber) applyKey(ctx context.Context, key string, deleteIfMissing bool) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		if !deleteIfMissing {
			return false, err
		}
		s.applyDelete(key)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	var applyErr error
	switch {
	case strings.HasPrefix(key, prefixModel):
		applyErr = s.plane.ApplyModelSet(raw)
	case strings.HasPrefix(key, prefixAPIKey):
		applyErr = s.plane.ApplyAPIKeySet(raw)
	case strings.HasPrefix(key, prefixGuardrail):
		applyErr = s.plane.ApplyGuardrailSet(raw)
	case strings.HasPrefix(key, prefixBlocking):
		applyErr = s.plane.ApplyBlockingSet(raw)
	default:
		return true, nil // not a key we own
	}
	if applyErr != nil {
		s.log.Warn("configplane: rejected update", "key", key, "error", applyErr)
	}
	return true, nil
}

func (s *Subscriber) applyDelete(key string) {
	switch {
	case strings.HasPrefix(key, prefixModel):
		s.plane.ApplyModelDelete(strings.TrimPrefix(key, prefixModel))
	case strings.HasPrefix(key, prefixAPIKey):
		s.plane.ApplyAPIKeyDelete(strings.TrimPrefix(key, prefixAPIKey))
	case strings.HasPrefix(key, prefixGuardrail):
		s.plane.ApplyGuardrailDelete(strings.TrimPrefix(key, prefixGuardrail))
	case strings.HasPrefix(key, prefixBlocking):
		s.plane.ApplyBlockingDelete(strings.TrimPrefix(key, prefixBlocking))
	}
}
