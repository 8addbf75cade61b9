// Package redis implementa el backend de credenciales sobre Redis, para
// instancias del panel que corren en hosts distintos. Los cambios se anuncian
// por Pub/Sub en el mismo pipeline transaccional que los escribe.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	store "github.com/dropDatabas3/campusauth/internal/store"
	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"
)

func init() {
	store.RegisterAdapter(&redisAdapter{})
}

type redisAdapter struct{}

func (a *redisAdapter) Name() string { return "redis" }

func (a *redisAdapter) Open(ctx context.Context, cfg store.BackendConfig) (store.Backend, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := rdb.NewClient(&rdb.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return New(client, cfg.Namespace), nil
}

// changeMessage es lo que viaja por el canal de cambios.
type changeMessage struct {
	Origin  string   `json:"origin"`
	Keys    []string `json:"keys"`
	Removed bool     `json:"removed"`
}

// Backend guarda las claves como strings bajo un prefijo.
type Backend struct {
	client  *rdb.Client
	prefix  string
	channel string
	id      string
	bc      *store.Broadcaster

	watchOnce sync.Once
	pubsub    *rdb.PubSub
	watchErr  error

	closeOnce sync.Once
}

// New envuelve un cliente existente. namespace vacío usa "default".
func New(client *rdb.Client, namespace string) *Backend {
	if namespace == "" {
		namespace = "default"
	}
	prefix := "campusauth:" + namespace + ":"
	return &Backend{
		client:  client,
		prefix:  prefix,
		channel: prefix + "changes",
		id:      uuid.NewString(),
		bc:      store.NewBroadcaster(),
	}
}

func (b *Backend) key(k string) string { return b.prefix + k }

func (b *Backend) Name() string { return "redis" }

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.client.Get(ctx, b.key(key)).Result()
	if err == rdb.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// GetMany usa MGET: Redis lo ejecuta atómicamente respecto del MSET de SetMany.
func (b *Backend) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	vals, err := b.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (b *Backend) SetMany(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	pairs := make([]any, 0, len(kv)*2)
	keys := make([]string, 0, len(kv))
	for k, v := range kv {
		pairs = append(pairs, b.key(k), v)
		keys = append(keys, k)
	}
	msg, err := json.Marshal(changeMessage{Origin: b.id, Keys: keys})
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.MSet(ctx, pairs...)
	pipe.Publish(ctx, b.channel, msg)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *Backend) DeleteMany(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	pipe := b.client.TxPipeline()
	cmds := make([]*rdb.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Del(ctx, b.key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	var removed []string
	for i, c := range cmds {
		if c.Val() > 0 {
			removed = append(removed, keys[i])
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	msg, err := json.Marshal(changeMessage{Origin: b.id, Keys: removed, Removed: true})
	if err == nil {
		err = b.client.Publish(ctx, b.channel, msg).Err()
	}
	if err != nil {
		// Las claves ya se borraron; otras instancias lo verán al revalidar.
		logger.From(ctx).Warn("redis: publish removal failed", logger.Component("store.redis"), logger.Err(err))
	}
	return len(removed), nil
}

func (b *Backend) Watch(ctx context.Context) (<-chan store.Change, error) {
	b.watchOnce.Do(func() {
		ps := b.client.Subscribe(context.Background(), b.channel)
		recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := ps.Receive(recvCtx); err != nil {
			_ = ps.Close()
			b.watchErr = fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
			return
		}
		b.pubsub = ps
		go b.consume(ps.Channel())
	})
	if b.watchErr != nil {
		return nil, b.watchErr
	}
	return b.bc.Subscribe(ctx)
}

func (b *Backend) consume(msgs <-chan *rdb.Message) {
	for m := range msgs {
		var cm changeMessage
		if err := json.Unmarshal([]byte(m.Payload), &cm); err != nil {
			logger.L().Debug("redis: ignoring malformed change message", logger.Component("store.redis"), logger.Err(err))
			continue
		}
		if cm.Origin == b.id {
			continue
		}
		now := time.Now().UTC()
		changes := make([]store.Change, 0, len(cm.Keys))
		for _, k := range cm.Keys {
			changes = append(changes, store.Change{Key: k, Removed: cm.Removed, At: now})
		}
		b.bc.Publish(changes...)
	}
}

func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.pubsub != nil {
			_ = b.pubsub.Close()
		}
		b.bc.Close()
		err = b.client.Close()
	})
	return err
}
