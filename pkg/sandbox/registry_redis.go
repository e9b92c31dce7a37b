package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
)

// Lua scripts run atomically on the server, so each one is a complete
// admission or teardown unit even with several supervisors sharing Redis.
// Owner slots are stored as "<holder id>|<challenge key>".
var (
	reserveScript = redis.NewScript(`
if ARGV[1] ~= '' then
  local holder = redis.call('HGET', KEYS[1], ARGV[1])
  if holder then return {1, holder} end
end
local limit = tonumber(ARGV[4])
if limit > 0 and redis.call('SCARD', KEYS[2]) >= limit then return {2, ''} end
if ARGV[1] ~= '' then redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. '|' .. ARGV[3]) end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[5])
redis.call('ZADD', KEYS[4], ARGV[6], ARGV[2])
return {0, ''}
`)

	commitScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
if ARGV[2] ~= '' then
  local holder = redis.call('HGET', KEYS[4], ARGV[2])
  local prefix = ARGV[1] .. '|'
  if holder and string.sub(holder, 1, string.len(prefix)) == prefix then redis.call('HDEL', KEYS[4], ARGV[2]) end
end
return 1
`)

	adoptScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then return {2, ''} end
if ARGV[4] ~= '' then
  local holder = redis.call('HGET', KEYS[1], ARGV[4])
  if holder then return {1, holder} end
  redis.call('HSET', KEYS[1], ARGV[4], ARGV[1] .. '|' .. ARGV[5])
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[3])
return {0, ''}
`)

	// teardownScript is the compare-and-set on the status field
	teardownScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], ARGV[1])
if not status then return -1 end
if status ~= 'starting' and status ~= 'running' then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], 'stopping')
redis.call('SREM', KEYS[3], ARGV[1])
if ARGV[2] ~= '' then
  local holder = redis.call('HGET', KEYS[2], ARGV[2])
  local prefix = ARGV[1] .. '|'
  if holder and string.sub(holder, 1, string.len(prefix)) == prefix then redis.call('HDEL', KEYS[2], ARGV[2]) end
end
return 1
`)

	removeScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
if ARGV[2] ~= '' then
  local holder = redis.call('HGET', KEYS[4], ARGV[2])
  local prefix = ARGV[1] .. '|'
  if holder and string.sub(holder, 1, string.len(prefix)) == prefix then redis.call('HDEL', KEYS[4], ARGV[2]) end
end
return 1
`)
)

// RedisRegistry keeps the registry in Redis so several supervisor
// processes can share admission state. Instance documents live as JSON in
// one hash; their status lives in a second hash that is the single source
// of truth for the teardown compare-and-set.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisRegistry creates a registry on an existing client. All keys share
// one hash tag so the scripts stay valid on a cluster.
func NewRedisRegistry(client *redis.Client, keyPrefix string) *RedisRegistry {
	if keyPrefix == "" {
		keyPrefix = "ctf-supervisor"
	}
	return &RedisRegistry{
		client: client,
		prefix: "{" + keyPrefix + "}",
		now:    time.Now,
	}
}

// DialRedisRegistry connects to Redis and verifies the connection
func DialRedisRegistry(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", addr).Int("db", db).Msg("Connected to Redis registry")
	return NewRedisRegistry(client, keyPrefix), nil
}

func (r *RedisRegistry) key(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

func (r *RedisRegistry) instancesKey() string    { return r.key("instances") }
func (r *RedisRegistry) statusKey() string       { return r.key("status") }
func (r *RedisRegistry) ownersKey() string       { return r.key("owners") }
func (r *RedisRegistry) reservationsKey() string { return r.key("reservations") }
func (r *RedisRegistry) reservedAtKey() string   { return r.key("reserved_at") }
func (r *RedisRegistry) challengeKey(challengeKey string) string {
	return r.key("challenge", challengeKey)
}

// Reserve implements Registry
func (r *RedisRegistry) Reserve(ctx context.Context, ownerID *string, challengeKey string, limit int) (*Reservation, error) {
	res := &Reservation{
		ID:           uuid.NewString(),
		ChallengeKey: challengeKey,
		CreatedAt:    r.now().UTC(),
	}
	if ownerID != nil {
		res.OwnerID = common.StringPtr(*ownerID)
	}

	doc, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reservation: %w", err)
	}

	result, err := reserveScript.Run(ctx, r.client,
		[]string{r.ownersKey(), r.challengeKey(challengeKey), r.reservationsKey(), r.reservedAtKey()},
		res.Owner(), res.ID, challengeKey, limit, string(doc), res.CreatedAt.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve slot: %w", err)
	}

	code, holder := scriptOutcome(result)
	switch code {
	case 0:
		return res, nil
	case 1:
		return nil, ownerConflict(holderChallenge(holder))
	case 2:
		return nil, capacityExceeded(challengeKey, limit)
	default:
		return nil, fmt.Errorf("unexpected reserve result %d", code)
	}
}

// Commit implements Registry
func (r *RedisRegistry) Commit(ctx context.Context, res *Reservation, inst *Instance) error {
	if inst.ID != res.ID {
		return fmt.Errorf("instance id %s does not match reservation %s", inst.ID, res.ID)
	}

	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	committed, err := commitScript.Run(ctx, r.client,
		[]string{r.reservationsKey(), r.reservedAtKey(), r.instancesKey(), r.statusKey()},
		res.ID, string(doc), string(inst.Status),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to commit instance: %w", err)
	}
	if committed == 0 {
		return ErrReservationLost
	}
	return nil
}

// Release implements Registry
func (r *RedisRegistry) Release(ctx context.Context, res *Reservation) error {
	err := releaseScript.Run(ctx, r.client,
		[]string{r.reservationsKey(), r.reservedAtKey(), r.challengeKey(res.ChallengeKey), r.ownersKey()},
		res.ID, res.Owner(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Adopt implements Registry
func (r *RedisRegistry) Adopt(ctx context.Context, inst *Instance) error {
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	result, err := adoptScript.Run(ctx, r.client,
		[]string{r.ownersKey(), r.challengeKey(inst.ChallengeKey), r.instancesKey(), r.statusKey()},
		inst.ID, string(doc), string(inst.Status), inst.Owner(), inst.ChallengeKey,
	).Slice()
	if err != nil {
		return fmt.Errorf("failed to adopt instance: %w", err)
	}

	code, holder := scriptOutcome(result)
	switch code {
	case 0:
		return nil
	case 1:
		return ownerConflict(holderChallenge(holder))
	case 2:
		return ErrAlreadyRegistered
	default:
		return fmt.Errorf("unexpected adopt result %d", code)
	}
}

// Get implements Registry
func (r *RedisRegistry) Get(ctx context.Context, id string) (*Instance, error) {
	inst, err := r.document(ctx, id)
	if err != nil {
		return nil, err
	}

	status, err := r.client.HGet(ctx, r.statusKey(), id).Result()
	if err == redis.Nil {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance status: %w", err)
	}
	inst.Status = Status(status)
	return inst, nil
}

// BeginTeardown implements Registry
func (r *RedisRegistry) BeginTeardown(ctx context.Context, id string) (*Instance, error) {
	inst, err := r.document(ctx, id)
	if err != nil {
		return nil, err
	}

	claimed, err := teardownScript.Run(ctx, r.client,
		[]string{r.statusKey(), r.ownersKey(), r.challengeKey(inst.ChallengeKey)},
		id, inst.Owner(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to claim teardown: %w", err)
	}

	switch claimed {
	case 1:
		inst.Status = StatusStopping
		return inst, nil
	case 0:
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, ErrTeardownInProgress
	default:
		return nil, instanceNotFound(id)
	}
}

// Remove implements Registry
func (r *RedisRegistry) Remove(ctx context.Context, id string) error {
	inst, err := r.document(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}

	err = removeScript.Run(ctx, r.client,
		[]string{r.instancesKey(), r.statusKey(), r.challengeKey(inst.ChallengeKey), r.ownersKey()},
		id, inst.Owner(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to remove instance: %w", err)
	}
	return nil
}

// List implements Registry
func (r *RedisRegistry) List(ctx context.Context) ([]*Instance, error) {
	return r.list(ctx, nil)
}

// ListByOwner implements Registry
func (r *RedisRegistry) ListByOwner(ctx context.Context, ownerID string) ([]*Instance, error) {
	return r.list(ctx, func(inst *Instance) bool { return inst.OwnedBy(ownerID) })
}

// CountByChallenge implements Registry
func (r *RedisRegistry) CountByChallenge(ctx context.Context, challengeKey string) (int, error) {
	count, err := r.client.SCard(ctx, r.challengeKey(challengeKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return int(count), nil
}

// StaleReservations implements Registry
func (r *RedisRegistry) StaleReservations(ctx context.Context, olderThan time.Duration) ([]*Reservation, error) {
	upper := "+inf"
	if olderThan > 0 {
		upper = "(" + strconv.FormatInt(r.now().Add(-olderThan).UnixMilli(), 10)
	}

	ids, err := r.client.ZRangeByScore(ctx, r.reservedAtKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	docs, err := r.client.HMGet(ctx, r.reservationsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reservations: %w", err)
	}

	stale := make([]*Reservation, 0, len(docs))
	for i, doc := range docs {
		raw, ok := doc.(string)
		if !ok {
			continue
		}
		var res Reservation
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			log.Warn().Err(err).Str("reservation_id", ids[i]).Msg("Skipping unreadable reservation")
			continue
		}
		stale = append(stale, &res)
	}
	return stale, nil
}

// Close implements Registry
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

// document reads the stored instance JSON. Its status field may be stale;
// callers that need the status use Get.
func (r *RedisRegistry) document(ctx context.Context, id string) (*Instance, error) {
	raw, err := r.client.HGet(ctx, r.instancesKey(), id).Result()
	if err == redis.Nil {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}

	var inst Instance
	if err := json.Unmarshal([]byte(raw), &inst); err != nil {
		return nil, fmt.Errorf("failed to decode instance %s: %w", id, err)
	}
	return &inst, nil
}

func (r *RedisRegistry) list(ctx context.Context, keep func(*Instance) bool) ([]*Instance, error) {
	docs, err := r.client.HGetAll(ctx, r.instancesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	statuses, err := r.client.HGetAll(ctx, r.statusKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instance statuses: %w", err)
	}

	instances := make([]*Instance, 0, len(docs))
	for id, raw := range docs {
		status, ok := statuses[id]
		if !ok {
			continue
		}
		var inst Instance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			log.Warn().Err(err).Str("instance_id", id).Msg("Skipping unreadable instance")
			continue
		}
		inst.Status = Status(status)
		if keep == nil || keep(&inst) {
			instances = append(instances, &inst)
		}
	}

	sortInstances(instances)
	return instances, nil
}

// scriptOutcome decodes a {code, holder} script reply
func scriptOutcome(result []interface{}) (int64, string) {
	if len(result) == 0 {
		return -1, ""
	}
	code, _ := result[0].(int64)
	holder := ""
	if len(result) > 1 {
		holder, _ = result[1].(string)
	}
	return code, holder
}

func holderChallenge(holder string) string {
	if _, challenge, ok := strings.Cut(holder, "|"); ok && challenge != "" {
		return challenge
	}
	return "another challenge"
}
