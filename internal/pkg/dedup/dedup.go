// Package dedup 基于内容哈希的截图去重。
//
// 同一捕获区域短时间内重复提交的截图（画面未变化）内容哈希相同，
// 在去重窗口内直接跳过，不重复走 OCR。
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stallwatch:dedup:snapshot:"

type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate 判断截图内容是否在去重窗口内出现过。
//
// source 参与哈希：不同捕获区域即使画面相同也互不影响。
func (d *Deduplicator) IsDuplicate(ctx context.Context, source string, content []byte) (bool, error) {
	if d == nil || d.rdb == nil || len(content) == 0 {
		return false, nil
	}
	key := keyPrefix + hashContent(source, content)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Forget 移除一条去重记录，处理失败的截图允许立即重交。
func (d *Deduplicator) Forget(ctx context.Context, source string, content []byte) error {
	if d == nil || d.rdb == nil || len(content) == 0 {
		return nil
	}
	key := keyPrefix + hashContent(source, content)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashContent(source string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
