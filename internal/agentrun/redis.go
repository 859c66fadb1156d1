package agentrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ot-sentinel/internal/schema"
	"ot-sentinel/internal/storage"
)

// IndexKey is the sorted set of run ids scored by start time.
const IndexKey = "sec:runs"

// Run documents are split over three keys: a hash with the scalar fields
// (Key), a list of step JSON documents, and a set of applied idempotency
// keys. Scripts below touch all of them atomically.
func stepsKey(runID string) string   { return Key(runID) + ":steps" }
func appliedKey(runID string) string { return Key(runID) + ":applied" }

// createIfAbsent is shared by both scripts. KEYS: hash, index.
// ARGV: id, incidentId, startedAt, agents json, outcome, start score.
const createIfAbsent = `
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'id', ARGV[1], 'incidentId', ARGV[2], 'startedAt', ARGV[3], 'agents', ARGV[4], 'outcome', ARGV[5])
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
  created = 1
end
`

var getOrCreateScript = redis.NewScript(createIfAbsent + `
return created
`)

// KEYS: hash, index, steps, applied. ARGV 7..9: step json, dedup key,
// applied-set retention in seconds.
var appendStepScript = redis.NewScript(createIfAbsent + `
if ARGV[8] ~= '' then
  if redis.call('SADD', KEYS[4], ARGV[8]) == 0 then
    return 0
  end
  redis.call('EXPIRE', KEYS[4], ARGV[9])
end
redis.call('RPUSH', KEYS[3], ARGV[7])
return 1
`)

// KEYS: hash. ARGV: outcome, force flag, endedAt ('' clears it).
// Returns -1 when the run does not exist.
var setOutcomeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'outcome')
if not cur then
  return -1
end
if ARGV[2] ~= '1' and (cur ~= 'pending' or ARGV[1] == 'pending') then
  return 0
end
redis.call('HSET', KEYS[1], 'outcome', ARGV[1])
if ARGV[3] == '' then
  redis.call('HDEL', KEYS[1], 'endedAt')
else
  redis.call('HSET', KEYS[1], 'endedAt', ARGV[3])
end
return 1
`)

// RedisStore keeps runs in Redis.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a Redis-backed store. retention bounds how long
// applied idempotency keys are remembered after the last append.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{client: client, retention: retention, now: time.Now}
}

func seedArgs(seed *schema.AgentRun) ([]interface{}, error) {
	agents, err := json.Marshal(seed.Agents)
	if err != nil {
		return nil, err
	}
	outcome := seed.Outcome
	if outcome == "" {
		outcome = schema.OutcomePending
	}
	return []interface{}{
		seed.ID,
		seed.IncidentID,
		seed.StartedAt.UTC().Format(time.RFC3339Nano),
		string(agents),
		string(outcome),
		seed.StartedAt.UnixMilli(),
	}, nil
}

// GetOrCreate creates the run from seed if absent and returns it.
func (s *RedisStore) GetOrCreate(ctx context.Context, seed *schema.AgentRun) (*schema.AgentRun, bool, error) {
	args, err := seedArgs(seed)
	if err != nil {
		return nil, false, storage.WrapInvalidData("GetOrCreate", Key(seed.ID), err)
	}

	n, err := getOrCreateScript.Run(ctx, s.client, []string{Key(seed.ID), IndexKey}, args...).Int()
	if err != nil {
		return nil, false, storage.WrapQueryError("GetOrCreate", Key(seed.ID), err)
	}

	run, err := s.Get(ctx, seed.ID)
	if err != nil {
		return nil, false, err
	}
	return run, n == 1, nil
}

// AppendStep atomically creates the run if needed, checks the idempotency
// key and appends the step.
func (s *RedisStore) AppendStep(ctx context.Context, seed *schema.AgentRun, step schema.Step, dedupKey string) (bool, error) {
	args, err := seedArgs(seed)
	if err != nil {
		return false, storage.WrapInvalidData("AppendStep", Key(seed.ID), err)
	}
	data, err := json.Marshal(step)
	if err != nil {
		return false, storage.WrapInvalidData("AppendStep", Key(seed.ID), err)
	}
	args = append(args, string(data), dedupKey, int64(s.retention/time.Second))

	keys := []string{Key(seed.ID), IndexKey, stepsKey(seed.ID), appliedKey(seed.ID)}
	n, err := appendStepScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, storage.WrapQueryError("AppendStep", Key(seed.ID), err)
	}
	return n == 1, nil
}

// SetOutcome applies an outcome transition atomically.
func (s *RedisStore) SetOutcome(ctx context.Context, runID string, outcome schema.Outcome, force bool) (bool, error) {
	if !outcome.IsValid() {
		return false, storage.WrapInvalidData("SetOutcome", Key(runID), errInvalidOutcome(outcome))
	}

	endedAt := ""
	if t := endedAtFor(outcome, s.now()); t != nil {
		endedAt = t.Format(time.RFC3339Nano)
	}
	forceArg := "0"
	if force {
		forceArg = "1"
	}

	n, err := setOutcomeScript.Run(ctx, s.client, []string{Key(runID)}, string(outcome), forceArg, endedAt).Int()
	if err != nil {
		return false, storage.WrapQueryError("SetOutcome", Key(runID), err)
	}
	if n < 0 {
		return false, storage.WrapNotFoundError("SetOutcome", Key(runID), runID)
	}
	return n == 1, nil
}

// Get reads the run header and its steps in one round trip.
func (s *RedisStore) Get(ctx context.Context, runID string) (*schema.AgentRun, error) {
	var header *redis.MapStringStringCmd
	var steps *redis.StringSliceCmd

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		header = pipe.HGetAll(ctx, Key(runID))
		steps = pipe.LRange(ctx, stepsKey(runID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storage.WrapQueryError("Get", Key(runID), err)
	}

	fields := header.Val()
	if len(fields) == 0 {
		return nil, storage.WrapNotFoundError("Get", Key(runID), runID)
	}

	run, err := decodeRun(fields, steps.Val())
	if err != nil {
		return nil, storage.WrapInvalidData("Get", Key(runID), err)
	}
	return run, nil
}

// List reads the newest runs through the start-time index.
func (s *RedisStore) List(ctx context.Context, limit int) ([]*schema.AgentRun, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, IndexKey, 0, stop).Result()
	if err != nil {
		return nil, storage.WrapQueryError("List", IndexKey, err)
	}

	out := make([]*schema.AgentRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	sortNewestFirst(out)
	return out, nil
}

func decodeRun(fields map[string]string, rawSteps []string) (*schema.AgentRun, error) {
	run := &schema.AgentRun{
		ID:         fields["id"],
		IncidentID: fields["incidentId"],
		Outcome:    schema.Outcome(fields["outcome"]),
		Steps:      make([]schema.Step, 0, len(rawSteps)),
	}

	started, err := time.Parse(time.RFC3339Nano, fields["startedAt"])
	if err != nil {
		return nil, fmt.Errorf("startedAt: %w", err)
	}
	run.StartedAt = started

	if v := fields["endedAt"]; v != "" {
		ended, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("endedAt: %w", err)
		}
		run.EndedAt = &ended
	}

	if v := fields["agents"]; v != "" {
		if err := json.Unmarshal([]byte(v), &run.Agents); err != nil {
			return nil, fmt.Errorf("agents: %w", err)
		}
	}

	for i, raw := range rawSteps {
		var step schema.Step
		if err := json.Unmarshal([]byte(raw), &step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		run.Steps = append(run.Steps, step)
	}
	return run, nil
}

