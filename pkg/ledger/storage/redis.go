package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"cynsta/spendguard/pkg/ledger"
)

// RedisStore implements ledger.Store on Redis. Update watches the agent's
// budget and active-run keys and commits in a MULTI block, retrying when a
// concurrent writer wins the race.
//
// Key layout under Prefix:
//
//	agents              zset  agent ids scored by creation time
//	agent:{id}          json  ledger.Agent
//	budget:{id}         json  ledger.Budget
//	active:{id}         str   active run id
//	run:{id}            json  ledger.Run
//	runs:{agent}        zset  run ids scored by creation time
//	leases              zset  active run ids scored by lease expiry
//	entry:{run}         json  ledger.Entry
//	entries:{agent}     zset  run ids scored by entry time
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries uint
	ownsClient bool
}

// RedisConfig configures the redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key.
	Prefix string

	// MaxTxRetries bounds optimistic transaction retries. Default: 16
	MaxTxRetries int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	s := NewRedisStoreWithClient(client, cfg.Prefix, cfg.MaxTxRetries)
	s.ownsClient = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Close leaves the client
// open.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, maxRetries int) *RedisStore {
	if maxRetries <= 0 {
		maxRetries = 16
	}
	return &RedisStore{client: client, prefix: prefix, maxRetries: uint(maxRetries)}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// CreateAgent inserts an agent and its budget.
func (s *RedisStore) CreateAgent(ctx context.Context, agent ledger.Agent, budget ledger.Budget) error {
	agentKey := s.key("agent", agent.ID)
	return s.retry(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, agentKey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", ledger.ErrAgentExists, agent.ID)
			}

			agentJSON, err := json.Marshal(agent)
			if err != nil {
				return err
			}
			budgetJSON, err := json.Marshal(budget)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, agentKey, agentJSON, 0)
				p.Set(ctx, s.key("budget", agent.ID), budgetJSON, 0)
				p.ZAdd(ctx, s.key("agents"), redis.Z{Score: score(agent.CreatedAt), Member: agent.ID})
				return nil
			})
			return err
		}, agentKey)
	})
}

// GetAgent returns an agent.
func (s *RedisStore) GetAgent(ctx context.Context, id string) (*ledger.Agent, error) {
	var a ledger.Agent
	found, err := s.getJSON(ctx, s.client, s.key("agent", id), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
	}
	return &a, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *RedisStore) ListAgents(ctx context.Context) ([]ledger.Agent, error) {
	ids, err := s.client.ZRange(ctx, s.key("agents"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]ledger.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(ctx, id)
		if errors.Is(err, ledger.ErrAgentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// RenameAgent updates an agent's name.
func (s *RedisStore) RenameAgent(ctx context.Context, id, name string) error {
	agentKey := s.key("agent", id)
	return s.retry(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			var a ledger.Agent
			found, err := s.getJSON(ctx, tx, agentKey, &a)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
			}
			a.Name = name
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, agentKey, data, 0)
				return nil
			})
			return err
		}, agentKey)
	})
}

// DeleteAgent removes an agent with its runs and entries.
func (s *RedisStore) DeleteAgent(ctx context.Context, id string) error {
	agentKey := s.key("agent", id)
	activeKey := s.key("active", id)
	runsKey := s.key("runs", id)
	entriesKey := s.key("entries", id)

	return s.retry(ctx, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, agentKey).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, id)
			}
			runID, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if runID != "" {
				return fmt.Errorf("%w: run %s", ledger.ErrRunAlreadyActive, runID)
			}

			runIDs, err := tx.ZRange(ctx, runsKey, 0, -1).Result()
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, rid := range runIDs {
					p.Del(ctx, s.key("run", rid), s.key("entry", rid))
				}
				p.Del(ctx, agentKey, s.key("budget", id), runsKey, entriesKey)
				p.ZRem(ctx, s.key("agents"), id)
				return nil
			})
			return err
		}, agentKey, activeKey, runsKey)
	})
}

// Snapshot returns the budget and active run.
func (s *RedisStore) Snapshot(ctx context.Context, agentID string) (*ledger.Budget, *ledger.Run, error) {
	return s.loadState(ctx, s.client, agentID)
}

func (s *RedisStore) loadState(ctx context.Context, c reader, agentID string) (*ledger.Budget, *ledger.Run, error) {
	var b ledger.Budget
	found, err := s.getJSON(ctx, c, s.key("budget", agentID), &b)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrAgentNotFound, agentID)
	}

	runID, err := c.Get(ctx, s.key("active", agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return &b, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active run: %w", err)
	}

	var r ledger.Run
	found, err = s.getJSON(ctx, c, s.key("run", runID), &r)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("active run %s of agent %s is missing", runID, agentID)
	}
	return &b, &r, nil
}

// Update applies fn optimistically and commits in one MULTI block.
func (s *RedisStore) Update(ctx context.Context, agentID string, fn func(tx *ledger.Tx) error) error {
	budgetKey := s.key("budget", agentID)
	activeKey := s.key("active", agentID)

	return s.retry(ctx, func() error {
		return s.client.Watch(ctx, func(rtx *redis.Tx) error {
			b, active, err := s.loadState(ctx, rtx, agentID)
			if err != nil {
				return err
			}

			tx := ledger.NewTx(*b, active)
			if err := fn(tx); err != nil {
				return err
			}
			if err := tx.CheckInvariants(); err != nil {
				return err
			}
			activeAfter, _ := tx.ActiveAfter()

			entry := tx.Entry()
			if entry != nil {
				n, err := rtx.Exists(ctx, s.key("entry", entry.RunID)).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return fmt.Errorf("%w: run %s", ledger.ErrEntryExists, entry.RunID)
				}
			}

			budgetJSON, err := json.Marshal(tx.Budget)
			if err != nil {
				return err
			}
			runs := tx.Runs()
			runJSON := make([][]byte, len(runs))
			for i, r := range runs {
				if runJSON[i], err = json.Marshal(r); err != nil {
					return err
				}
			}
			var entryJSON []byte
			if entry != nil {
				if entryJSON, err = json.Marshal(entry); err != nil {
					return err
				}
			}

			_, err = rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, budgetKey, budgetJSON, 0)
				for i, r := range runs {
					p.Set(ctx, s.key("run", r.ID), runJSON[i], 0)
					p.ZAdd(ctx, s.key("runs", agentID), redis.Z{Score: score(r.CreatedAt), Member: r.ID})
					if r.State.Active() && !r.ExpiresAt.IsZero() {
						p.ZAdd(ctx, s.key("leases"), redis.Z{Score: score(r.ExpiresAt), Member: r.ID})
					} else {
						p.ZRem(ctx, s.key("leases"), r.ID)
					}
				}
				if activeAfter != nil {
					p.Set(ctx, activeKey, activeAfter.ID, 0)
				} else {
					p.Del(ctx, activeKey)
				}
				if entry != nil {
					p.Set(ctx, s.key("entry", entry.RunID), entryJSON, 0)
					p.ZAdd(ctx, s.key("entries", agentID), redis.Z{Score: score(entry.CreatedAt), Member: entry.RunID})
				}
				return nil
			})
			return err
		}, budgetKey, activeKey)
	})
}

// GetRun returns a run.
func (s *RedisStore) GetRun(ctx context.Context, id string) (*ledger.Run, error) {
	var r ledger.Run
	found, err := s.getJSON(ctx, s.client, s.key("run", id), &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRunNotFound, id)
	}
	return &r, nil
}

// ListRuns returns matching runs, newest first.
func (s *RedisStore) ListRuns(ctx context.Context, filter ledger.RunFilter) ([]ledger.Run, error) {
	agentIDs := []string{filter.AgentID}
	if filter.AgentID == "" {
		var err error
		if agentIDs, err = s.client.ZRange(ctx, s.key("agents"), 0, -1).Result(); err != nil {
			return nil, fmt.Errorf("failed to list agents: %w", err)
		}
	}

	var out []ledger.Run
	for _, agentID := range agentIDs {
		ids, err := s.client.ZRevRange(ctx, s.key("runs", agentID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		for _, id := range ids {
			r, err := s.GetRun(ctx, id)
			if errors.Is(err, ledger.ErrRunNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if filter.Matches(r) {
				out = append(out, *r)
			}
		}
	}

	sortRunsNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListExpired returns active runs whose lease ended before now.
func (s *RedisStore) ListExpired(ctx context.Context, now time.Time) ([]ledger.Run, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key("leases"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}

	var out []ledger.Run
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if errors.Is(err, ledger.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.State.Active() {
			out = append(out, *r)
		}
	}
	return out, nil
}

// GetEntry returns a run's ledger entry.
func (s *RedisStore) GetEntry(ctx context.Context, runID string) (*ledger.Entry, error) {
	var e ledger.Entry
	found, err := s.getJSON(ctx, s.client, s.key("entry", runID), &e)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, runID)
	}
	return &e, nil
}

// ListEntries returns matching entries, newest first.
func (s *RedisStore) ListEntries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	agentIDs := []string{filter.AgentID}
	if filter.AgentID == "" {
		var err error
		if agentIDs, err = s.client.ZRange(ctx, s.key("agents"), 0, -1).Result(); err != nil {
			return nil, fmt.Errorf("failed to list agents: %w", err)
		}
	}

	minScore := "-inf"
	if !filter.Since.IsZero() {
		minScore = strconv.FormatInt(filter.Since.UnixMicro(), 10)
	}

	var out []ledger.Entry
	for _, agentID := range agentIDs {
		ids, err := s.client.ZRevRangeByScore(ctx, s.key("entries", agentID), &redis.ZRangeBy{
			Min: minScore,
			Max: "+inf",
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list entries: %w", err)
		}
		for _, id := range ids {
			e, err := s.GetEntry(ctx, id)
			if errors.Is(err, ledger.ErrEntryNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, *e)
		}
	}

	sortEntriesNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// retry re-runs op while optimistic transactions lose to concurrent writers.
// Any other error ends the loop unchanged.
func (s *RedisStore) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil || errors.Is(err, redis.TxFailedErr) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxRetries))
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("ledger transaction contention: %w", err)
	}
	return err
}

func (s *RedisStore) getJSON(ctx context.Context, c reader, key string, v any) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// score keeps microsecond precision, which float64 holds exactly.
func score(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro())
}

// reader is the read side shared by *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

var _ ledger.Store = (*RedisStore)(nil)
