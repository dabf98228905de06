package refstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"tradecore/internal/execution"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis stores each ref as a JSON value and keeps a per-session set of
// decision ids that are not yet terminal.
type Redis struct {
	client *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tradecore"
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) refKey(decisionID string) string {
	return fmt.Sprintf("%s:ref:%s", r.prefix, decisionID)
}

func (r *Redis) pendingKey(session string) string {
	return fmt.Sprintf("%s:pending:%s", r.prefix, session)
}

func (r *Redis) Put(ctx context.Context, ref execution.Ref) error {
	if ref.DecisionID == "" {
		return fmt.Errorf("decision_id is required")
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = time.Now().UTC()
	}
	if ref.CreatedAt.IsZero() {
		prev, ok, err := r.Get(ctx, ref.DecisionID)
		if err != nil {
			return err
		}
		if ok {
			ref.CreatedAt = prev.CreatedAt
		} else {
			ref.CreatedAt = ref.UpdatedAt
		}
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.refKey(ref.DecisionID), data, 0)
		if ref.Status.Terminal() {
			pipe.SRem(ctx, r.pendingKey(ref.Session), ref.DecisionID)
		} else {
			pipe.SAdd(ctx, r.pendingKey(ref.Session), ref.DecisionID)
		}
		return nil
	})
	return err
}

func (r *Redis) Get(ctx context.Context, decisionID string) (execution.Ref, bool, error) {
	data, err := r.client.Get(ctx, r.refKey(decisionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return execution.Ref{}, false, nil
	}
	if err != nil {
		return execution.Ref{}, false, err
	}
	var ref execution.Ref
	if err := json.Unmarshal(data, &ref); err != nil {
		return execution.Ref{}, false, fmt.Errorf("decode ref %s: %w", decisionID, err)
	}
	return ref, true, nil
}

func (r *Redis) Pending(ctx context.Context, session string) ([]execution.Ref, error) {
	ids, err := r.client.SMembers(ctx, r.pendingKey(session)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.refKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]execution.Ref, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var ref execution.Ref
		if err := json.Unmarshal([]byte(s), &ref); err != nil {
			return nil, fmt.Errorf("decode ref %s: %w", ids[i], err)
		}
		if !ref.Status.Terminal() {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DecisionID < out[j].DecisionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
