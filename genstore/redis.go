package genstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares generation metadata across processes and survives restarts.
//
// Layout (ns = namespace):
//
//	gen:<ns>:names          - sorted set of generation names, scored by creation time (µs)
//	gen:<ns>:members:<gen>  - set of request keys stored under gen
type Redis struct {
	rdb         redis.UniversalClient
	ns          string
	closeClient bool
}

var _ Registry = (*Redis)(nil)

var ErrNilClient = errors.New("genstore: nil redis client")

type RedisConfig struct {
	Client      redis.UniversalClient
	Namespace   string // should match the kv storage namespace
	CloseClient bool   // set true only if the registry exclusively owns the client
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, ns: cfg.Namespace, closeClient: cfg.CloseClient}, nil
}

func (s *Redis) namesKey() string { return "gen:" + s.ns + ":names" }

func (s *Redis) membersKey(gen string) string { return "gen:" + s.ns + ":members:" + gen }

func (s *Redis) score() float64 { return float64(time.Now().UnixMicro()) }

func (s *Redis) Add(ctx context.Context, gen string) (bool, error) {
	n, err := s.rdb.ZAddNX(ctx, s.namesKey(), redis.Z{Score: s.score(), Member: gen}).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Redis) Contains(ctx context.Context, gen string) (bool, error) {
	err := s.rdb.ZScore(ctx, s.namesKey(), gen).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Redis) List(ctx context.Context) ([]string, error) {
	return s.rdb.ZRange(ctx, s.namesKey(), 0, -1).Result()
}

// Remove drops the name and the member set in one MULTI/EXEC.
func (s *Redis) Remove(ctx context.Context, gen string) (bool, error) {
	var zrem *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		zrem = p.ZRem(ctx, s.namesKey(), gen)
		p.Del(ctx, s.membersKey(gen))
		return nil
	})
	if err != nil {
		return false, err
	}
	return zrem.Val() > 0, nil
}

// Track registers gen (NX keeps the original creation score) and adds key.
func (s *Redis) Track(ctx context.Context, gen, key string) error {
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddNX(ctx, s.namesKey(), redis.Z{Score: s.score(), Member: gen})
		p.SAdd(ctx, s.membersKey(gen), key)
		return nil
	})
	return err
}

func (s *Redis) Members(ctx context.Context, gen string) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, s.membersKey(gen)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Close releases the client only when this registry owns it.
func (s *Redis) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
