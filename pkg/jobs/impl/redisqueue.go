package impl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wyvernlabs/go-orderbook/pkg/jobs"
)

var encoding = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisQueue implements jobs.Queue on Redis.
//
// Layout per queue name:
//
//	{name}:pending    list of ready job envelopes (LPUSH/BRPOP)
//	{name}:scheduled  zset of retry envelopes scored by due time
//	{name}:dedup:{id} token present while a job id sits in the queue
//	{name}:completed  capped list of finished envelopes
//	{name}:failed     capped list of exhausted envelopes
type RedisQueue struct {
	log      zerolog.Logger
	rdb      *redis.Client
	name     string
	consumer string
	config   *jobs.Config

	lock     sync.Mutex
	cancel   context.CancelFunc
	stopped  chan struct{}
}

var _ jobs.Queue = (*RedisQueue)(nil)

// New returns a queue backed by the given Redis client.
func New(rdb *redis.Client, name string, opts ...jobs.Option) (*RedisQueue, error) {
	config := jobs.DefaultConfig()
	for _, o := range opts {
		if err := o(config); err != nil {
			return nil, fmt.Errorf("applying provided option: %s", err)
		}
	}

	log := logger.With().
		Str("component", "jobqueue").
		Str("queue", name).
		Logger()

	return &RedisQueue{
		log:      log,
		rdb:      rdb,
		name:     name,
		consumer: uuid.NewString(),
		config:   config,
	}, nil
}

// Name implements jobs.Queue.
func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) key(parts ...string) string {
	key := q.name
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Enqueue implements jobs.Queue. The dedup token is set atomically: only the
// first producer of an id gets to push the envelope; everyone else observes
// ErrDuplicate until the job starts executing.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, payload []byte) error {
	ok, err := q.rdb.SetNX(ctx, q.key("dedup", id), q.consumer, 0).Result()
	if err != nil {
		return fmt.Errorf("setting dedup token: %s", err)
	}
	if !ok {
		return jobs.ErrDuplicate
	}

	envelope, err := encoding.Marshal(jobs.Job{ID: id, Payload: payload, Attempt: 1})
	if err != nil {
		return fmt.Errorf("marshaling job envelope: %s", err)
	}
	if err := q.rdb.LPush(ctx, q.key("pending"), envelope).Err(); err != nil {
		return fmt.Errorf("pushing job: %s", err)
	}
	return nil
}

// Start implements jobs.Queue.
func (q *RedisQueue) Start(handler jobs.Handler) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.cancel != nil {
		return fmt.Errorf("already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.stopped = make(chan struct{})

	var g errgroup.Group
	for i := 0; i < q.config.Concurrency; i++ {
		g.Go(func() error {
			q.consumeLoop(ctx, handler)
			return nil
		})
	}
	g.Go(func() error {
		q.promoteLoop(ctx)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(q.stopped)
	}()

	q.log.Info().Int("concurrency", q.config.Concurrency).Msg("started")
	return nil
}

// Stop implements jobs.Queue.
func (q *RedisQueue) Stop() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.cancel == nil {
		return
	}

	q.log.Debug().Msg("stopping consumers gracefully...")
	q.cancel()
	<-q.stopped
	q.cancel = nil
	q.stopped = nil
	q.log.Debug().Msg("stopped")
}

func (q *RedisQueue) consumeLoop(ctx context.Context, handler jobs.Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := q.rdb.BRPop(ctx, time.Second, q.key("pending")).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error().Err(err).Msg("popping job")
			time.Sleep(time.Second)
			continue
		}

		var job jobs.Job
		if err := encoding.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error().Err(err).Str("envelope", res[1]).Msg("unmarshaling job envelope")
			continue
		}
		q.run(ctx, handler, job)
	}
}

func (q *RedisQueue) run(ctx context.Context, handler jobs.Handler, job jobs.Job) {
	// Clear the dedup token before executing: from here on a producer that
	// enqueues the same id schedules a fresh run, which is what guarantees
	// no distinct update is ever silently dropped.
	if job.Attempt == 1 {
		if err := q.rdb.Del(ctx, q.key("dedup", job.ID)).Err(); err != nil {
			q.log.Error().Err(err).Str("job_id", job.ID).Msg("deleting dedup token")
		}
	}

	jobCtx, cls := context.WithTimeout(ctx, q.config.JobTimeout)
	defer cls()

	start := time.Now()
	err := handler(jobCtx, job)
	if err == nil {
		q.retain(ctx, q.key("completed"), job, q.config.KeepCompleted)
		return
	}

	q.log.Warn().
		Err(err).
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Dur("elapsed", time.Since(start)).
		Msg("job failed")

	if job.Attempt >= q.config.MaxAttempts {
		q.retain(ctx, q.key("failed"), job, q.config.KeepFailed)
		return
	}

	delay := jobs.BackoffDelay(q.config, job.Attempt)
	job.Attempt++
	envelope, err := encoding.Marshal(job)
	if err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("marshaling retry envelope")
		return
	}
	if err := q.rdb.ZAdd(ctx, q.key("scheduled"), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: string(envelope),
	}).Err(); err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("scheduling retry")
	}
}

func (q *RedisQueue) retain(ctx context.Context, key string, job jobs.Job, keep int) {
	envelope, err := encoding.Marshal(job)
	if err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("marshaling retained envelope")
		return
	}
	pipe := q.rdb.Pipeline()
	pipe.LPush(ctx, key, envelope)
	pipe.LTrim(ctx, key, 0, int64(keep)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("retaining job")
	}
}

// promoteLoop moves due retries from the scheduled zset to the pending list.
func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := fmt.Sprintf("%d", time.Now().UnixMilli())
		due, err := q.rdb.ZRangeByScore(ctx, q.key("scheduled"), &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			q.log.Error().Err(err).Msg("fetching due retries")
			continue
		}
		for _, envelope := range due {
			removed, err := q.rdb.ZRem(ctx, q.key("scheduled"), envelope).Result()
			if err != nil {
				q.log.Error().Err(err).Msg("removing due retry")
				continue
			}
			if removed == 0 {
				// another consumer promoted it first
				continue
			}
			if err := q.rdb.LPush(ctx, q.key("pending"), envelope).Err(); err != nil {
				q.log.Error().Err(err).Msg("promoting due retry")
			}
		}
	}
}
