package task

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AutoAgent/internal/errors"
)

const (
	defaultRedisQueueKey = "autoagent:tasks"
	defaultBlockWait     = 5 * time.Second
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 基于 Redis list 的任务队列：LPUSH 投递、BRPOP 消费。
// 消费失败的任务 ID 会被重新压回队尾，依赖任务层的重试上限兜底。
type RedisQueue struct {
	rdb  *redis.Client
	key  string
	wait time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue 建立连接并验证可达性。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	q := &RedisQueue{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key:  cfg.Queue,
		wait: cfg.BlockWait,
	}
	if q.key == "" {
		q.key = defaultRedisQueueKey
	}
	if q.wait <= 0 {
		q.wait = defaultBlockWait
	}
	if err := q.rdb.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return q, nil
}

// Publish 将任务 ID 压入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.rdb.LPush(ctx, q.key, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个消费协程，阻塞直到取消或出现不可恢复错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	fatal := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go q.consumeLoop(ctx, handler, fatal)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fatal:
		return err
	}
}

func (q *RedisQueue) consumeLoop(ctx context.Context, handler Handler, fatal chan<- error) {
	for ctx.Err() == nil {
		values, err := q.rdb.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			// 等待超时，继续轮询。
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, redis.ErrClosed):
			fatal <- err
			return
		default:
			fatal <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
			return
		}
		// BRPOP 返回 [key, value]。
		if len(values) != 2 {
			continue
		}
		if handlerErr := handler(ctx, values[1]); handlerErr != nil {
			_ = q.rdb.RPush(ctx, q.key, values[1]).Err()
		}
	}
	fatal <- ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}
