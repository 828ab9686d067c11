package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// Every key shares the {dispatch} hash tag so scripts stay in one cluster slot.
const (
	redisDueKey      = "{dispatch}:due"
	redisInflightKey = "{dispatch}:inflight"
	redisPausedKey   = "{dispatch}:paused"
	redisJobPrefix   = "{dispatch}:job:"
)

func redisCampaignKey(id int) string { return fmt.Sprintf("{dispatch}:campaign:%d", id) }
func redisParkedKey(id int) string   { return fmt.Sprintf("{dispatch}:parked:%d", id) }

// Members are "<campaignID>:<jobID>" so campaign scoped scripts can find them.
func redisMember(job model.DispatchJob) string {
	return strconv.Itoa(job.CampaignID) + ":" + job.ID
}

var enqueueScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  return 0
end
redis.call('SADD', KEYS[3], ARGV[3])
if redis.call('SISMEMBER', KEYS[4], ARGV[4]) == 1 then
  redis.call('ZADD', KEYS[5], ARGV[2], ARGV[3])
else
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
end
return 1
`)

var reserveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZADD', KEYS[1], ARGV[1], m)
end
local nxt = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #nxt == 0 then
  return false
end
redis.call('ZREM', KEYS[1], nxt[1])
redis.call('ZADD', KEYS[2], ARGV[2], nxt[1])
return nxt[1]
`)

var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call('SISMEMBER', KEYS[3], ARGV[3]) == 1 then
  redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
return 1
`)

var pauseScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
local moved = 0
for _, m in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  local s = redis.call('ZSCORE', KEYS[3], m)
  if s then
    redis.call('ZREM', KEYS[3], m)
    redis.call('ZADD', KEYS[4], s, m)
    moved = moved + 1
  end
end
return moved
`)

var resumeScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
local parked = redis.call('ZRANGE', KEYS[2], 0, -1, 'WITHSCORES')
for i = 1, #parked, 2 do
  redis.call('ZADD', KEYS[3], parked[i + 1], parked[i])
end
redis.call('DEL', KEYS[2])
return #parked / 2
`)

var purgeScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, m in ipairs(members) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZREM', KEYS[3], m)
  redis.call('DEL', ARGV[1] .. string.match(m, ':(.+)$'))
end
redis.call('DEL', KEYS[1], KEYS[4])
return #members
`)

// RedisQueue stores due jobs in a sorted set scored by due time (unix ms) and
// leased jobs in a second sorted set scored by lease expiry.
type RedisQueue struct {
	client       *redis.Client
	Visibility   time.Duration
	PollInterval time.Duration
	log          *zap.Logger
}

// NewRedisQueue takes ownership of client; Close closes it.
func NewRedisQueue(client *redis.Client, visibility, poll time.Duration, log *zap.Logger) *RedisQueue {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQueue{client: client, Visibility: visibility, PollInterval: poll, log: log}
}

func redisUnavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return appErrors.NewQueueUnavailable("redis", err)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job model.DispatchJob, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	due := time.Now().Add(delay).UnixMilli()
	keys := []string{
		redisJobPrefix + job.ID, redisDueKey, redisCampaignKey(job.CampaignID),
		redisPausedKey, redisParkedKey(job.CampaignID),
	}
	err = enqueueScript.Run(ctx, q.client, keys, body, due, redisMember(job), job.CampaignID).Err()
	return redisUnavailable(err)
}

func (q *RedisQueue) Reserve(ctx context.Context) (*Reservation, error) {
	for {
		now := time.Now()
		member, err := reserveScript.Run(ctx, q.client, []string{redisDueKey, redisInflightKey},
			now.UnixMilli(), now.Add(q.Visibility).UnixMilli()).Text()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, redis.Nil):
			if err := SleepCtx(ctx, q.PollInterval); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, redisUnavailable(err)
		}

		r, err := q.load(ctx, member, now)
		if err != nil {
			return nil, err
		}
		if r == nil {
			// purged between claim and load
			q.client.ZRem(ctx, redisInflightKey, member)
			continue
		}
		return r, nil
	}
}

func (q *RedisQueue) load(ctx context.Context, member string, now time.Time) (*Reservation, error) {
	_, jobID, ok := cutMember(member)
	if !ok {
		return nil, fmt.Errorf("%w: malformed queue member %q", appErrors.ErrInvariant, member)
	}
	body, err := q.client.Get(ctx, redisJobPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisUnavailable(err)
	}
	var job model.DispatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &Reservation{Job: job, ReservedAt: now, token: member}, nil
}

func cutMember(member string) (campaign, jobID string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == ':' {
			return member[:i], member[i+1:], i > 0 && i < len(member)-1
		}
	}
	return "", "", false
}

func (q *RedisQueue) Ack(ctx context.Context, r *Reservation) error {
	member := redisMember(r.Job)
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, redisInflightKey, member)
		p.SRem(ctx, redisCampaignKey(r.Job.CampaignID), member)
		p.Del(ctx, redisJobPrefix+r.Job.ID)
		return nil
	})
	return redisUnavailable(err)
}

func (q *RedisQueue) Release(ctx context.Context, r *Reservation, delay time.Duration) error {
	keys := []string{redisInflightKey, redisDueKey, redisPausedKey, redisParkedKey(r.Job.CampaignID)}
	due := time.Now().Add(delay).UnixMilli()
	err := releaseScript.Run(ctx, q.client, keys, redisMember(r.Job), due, r.Job.CampaignID).Err()
	return redisUnavailable(err)
}

func (q *RedisQueue) PauseCampaign(ctx context.Context, campaignID int) error {
	keys := []string{redisPausedKey, redisCampaignKey(campaignID), redisDueKey, redisParkedKey(campaignID)}
	moved, err := pauseScript.Run(ctx, q.client, keys, campaignID).Int()
	if err != nil {
		return redisUnavailable(err)
	}
	q.log.Debug("parked campaign jobs", zap.Int("campaign_id", campaignID), zap.Int("jobs", moved))
	return nil
}

func (q *RedisQueue) ResumeCampaign(ctx context.Context, campaignID int) error {
	keys := []string{redisPausedKey, redisParkedKey(campaignID), redisDueKey}
	err := resumeScript.Run(ctx, q.client, keys, campaignID).Err()
	return redisUnavailable(err)
}

func (q *RedisQueue) PurgeCampaign(ctx context.Context, campaignID int) error {
	keys := []string{redisCampaignKey(campaignID), redisDueKey, redisInflightKey, redisParkedKey(campaignID)}
	n, err := purgeScript.Run(ctx, q.client, keys, redisJobPrefix).Int()
	if err != nil {
		return redisUnavailable(err)
	}
	q.log.Debug("purged campaign jobs", zap.Int("campaign_id", campaignID), zap.Int("jobs", n))
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ JobQueue = (*RedisQueue)(nil)
