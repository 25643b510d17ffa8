package bucketing

import (
	"hash"
	"sync"
	"time"

	"qrorder-auth/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads partition keys for the customer and audit tables.
type BucketingManager struct {
	customerBuckets int
	eventBuckets    int
	hasherPool      sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		customerBuckets: max(cfg.CustomerBuckets, 1),
		eventBuckets:    max(cfg.EventBuckets, 1),
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}

	return bm
}

// CustomerBucket returns a stable bucket in [0, customerBuckets) for a phone
// digest or customer id.
func (bm *BucketingManager) CustomerBucket(key string) int {
	return bm.getBucket(key, bm.customerBuckets)
}

// EventBucket returns a stable bucket for security events of one session.
func (bm *BucketingManager) EventBucket(key string) int {
	return bm.getBucket(key, bm.eventBuckets)
}

// DateBucket returns the UTC day used to partition events.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) CustomerBuckets() int {
	return bm.customerBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
