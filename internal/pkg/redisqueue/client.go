package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stallwatch/internal/model"
	"stallwatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	KeySnapshotQueue           = "stallwatch:queue:snapshots"
	KeySnapshotProcessingQueue = "stallwatch:queue:snapshots:processing"
	KeySnapshotPendingSet      = "stallwatch:queue:snapshots:pending" // 去重集合
	KeySnapshotStartedHash     = "stallwatch:queue:snapshots:started" // 任务开始处理时间 (job_id -> unix timestamp)
)

var (
	ErrNoJob     = errors.New("no snapshot job available")
	ErrJobExists = errors.New("snapshot job already in queue") // 任务已存在
)

// SnapshotJob 一张待识别截图的队列载荷。
type SnapshotJob struct {
	JobID     string               `json:"job_id"`
	Source    string               `json:"source"` // 捕获区域标签
	Mode      model.ProcessingMode `json:"mode"`
	Image     string               `json:"image"` // base64 编码的截图
	CreatedAt int64                `json:"created_at"`
}

// Client wraps Redis List operations for the snapshot job queue.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a redisqueue client with address/password.
func NewClient(addr, password string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
	}
}

// NewClientWithRedis creates a redisqueue client from an existing redis.Client.
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// pushJobScript 原子性地执行 SADD + LPUSH，避免中间状态不一致。
// KEYS[1] = pending set, KEYS[2] = snapshot queue
// ARGV[1] = job_id, ARGV[2] = job JSON
// 返回: 1 = 成功推送, 0 = 任务已存在
var pushJobScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[2])
	return 1
`)

// PushJob serializes a SnapshotJob and pushes it into the snapshot queue.
// 使用 Lua 脚本原子执行 SADD + LPUSH，确保一致性。
// 如果任务已在队列中，返回 ErrJobExists。
func (c *Client) PushJob(ctx context.Context, job *SnapshotJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if job.JobID == "" {
		return errors.New("job id is empty")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	result, err := pushJobScript.Run(ctx, c.rdb,
		[]string{KeySnapshotPendingSet, KeySnapshotQueue},
		job.JobID, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("push job script: %w", err)
	}

	if result == 0 {
		// 任务已在队列中，跳过
		metrics.SnapshotsSkippedTotal.Inc()
		return ErrJobExists
	}
	return nil
}

// PopJob blocks until a job is available or timeout is reached.
// 同时记录任务开始处理的时间到 KeySnapshotStartedHash。
func (c *Client) PopJob(ctx context.Context, timeout time.Duration) (*SnapshotJob, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPopLPush(ctx, KeySnapshotQueue, KeySnapshotProcessingQueue, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush job: %w", err)
	}

	var job SnapshotJob
	if err := json.Unmarshal([]byte(result), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	// 记录任务开始处理的时间（用于 Janitor 判断超时）
	if job.JobID != "" {
		c.rdb.HSet(ctx, KeySnapshotStartedHash, job.JobID, time.Now().Unix())
	}
	return &job, nil
}

// ackJobScript 原子性地从 processing queue 中找到并删除匹配 job_id 的任务。
// KEYS[1] = processing queue, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = job_id
// 返回: 删除的任务数量
var ackJobScript = redis.NewScript(`
	local queue = KEYS[1]
	local pending = KEYS[2]
	local started = KEYS[3]
	local jobId = ARGV[1]

	-- 遍历 processing queue 找到匹配的任务
	local jobs = redis.call('LRANGE', queue, 0, -1)
	local removed = 0
	for _, job in ipairs(jobs) do
		-- 检查 JSON 中是否包含该 job_id
		if string.find(job, '"job_id":"' .. jobId .. '"') then
			redis.call('LREM', queue, 1, job)
			removed = removed + 1
			break
		end
	end

	-- 从 pending set 和 started hash 中移除
	redis.call('SREM', pending, jobId)
	redis.call('HDEL', started, jobId)

	return removed
`)

// AckJob removes a processed job from the processing queue, pending set, and started hash.
// 使用 job_id 匹配而非完整 JSON，避免序列化差异导致的匹配失败。
// 这允许同一来源的下一张截图重新入队。
func (c *Client) AckJob(ctx context.Context, job *SnapshotJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if job.JobID == "" {
		return errors.New("job id is empty")
	}

	_, err := ackJobScript.Run(ctx, c.rdb,
		[]string{KeySnapshotProcessingQueue, KeySnapshotPendingSet, KeySnapshotStartedHash},
		job.JobID,
	).Int()
	if err != nil {
		return fmt.Errorf("ack job script: %w", err)
	}
	return nil
}

// QueueDepth returns the current length of the snapshot and processing queues.
func (c *Client) QueueDepth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, errors.New("redis client is not initialized")
	}
	pending, err := c.rdb.LLen(ctx, KeySnapshotQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen snapshots: %w", err)
	}
	processing, err := c.rdb.LLen(ctx, KeySnapshotProcessingQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	return pending, processing, nil
}

// PendingSetSize returns the number of unique jobs currently pending.
func (c *Client) PendingSetSize(ctx context.Context) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	size, err := c.rdb.SCard(ctx, KeySnapshotPendingSet).Result()
	if err != nil {
		return 0, fmt.Errorf("scard pending set: %w", err)
	}
	return size, nil
}

// rescueScript 是用于原子性 rescue 任务的 Lua 脚本。
// 只有当 LREM 成功移除了任务时，才执行 LPUSH，防止多个 Janitor 重复添加。
// 同时清理 started hash 中的记录。
// KEYS[1] = processing queue, KEYS[2] = snapshot queue, KEYS[3] = started hash
// ARGV[1] = job JSON, ARGV[2] = job_id
// 返回: 1 = 成功 rescue, 0 = 任务不存在
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuckJobs scans the processing queue and requeues jobs that exceed timeout.
// 使用 KeySnapshotStartedHash 中记录的开始时间来判断超时，而非任务的 CreatedAt。
// 使用 Lua 脚本确保原子性，防止多个 Janitor 同时处理同一任务导致重复入队。
func (c *Client) RescueStuckJobs(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, KeySnapshotStartedHash).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}
	if len(startedTimes) == 0 {
		return 0, nil
	}

	jobsRaw, err := c.rdb.LRange(ctx, KeySnapshotProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(jobsRaw) == 0 {
		// processing queue 为空，但 started hash 有记录，清理孤立记录
		for jobID := range startedTimes {
			c.rdb.HDel(ctx, KeySnapshotStartedHash, jobID)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0

	for _, raw := range jobsRaw {
		var job SnapshotJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.JobID == "" {
			continue
		}

		startedStr, ok := startedTimes[job.JobID]
		if !ok {
			// 没有记录开始时间，使用 CreatedAt 作为后备
			if job.CreatedAt == 0 {
				continue
			}
			if now-job.CreatedAt <= threshold {
				continue
			}
		} else {
			var started int64
			if _, err := fmt.Sscanf(startedStr, "%d", &started); err != nil {
				continue
			}
			if now-started <= threshold {
				continue
			}
		}

		// 使用 Lua 脚本原子性地执行：只有 LREM 成功时才 LPUSH
		result, err := rescueScript.Run(ctx, c.rdb,
			[]string{KeySnapshotProcessingQueue, KeySnapshotQueue, KeySnapshotStartedHash},
			raw, job.JobID,
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			rescued++
		}
	}

	if rescued > 0 {
		metrics.SnapshotsRescuedTotal.Add(float64(rescued))
	}
	return rescued, nil
}
