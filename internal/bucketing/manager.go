package bucketing

import (
	"fmt"
	"hash"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"portal-auth/internal/config"
)

// BucketingManager assigns identities and events to stable buckets so
// partitioned stores and the audit stream shard evenly.
type BucketingManager struct {
	identityBuckets int
	eventBuckets    int
	hasherPool      sync.Pool
	config          *config.Config
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		identityBuckets: cfg.Bucketing.UserBuckets,
		eventBuckets:    cfg.Bucketing.EventBuckets,
		config:          cfg,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetIdentityBucket returns the consistent bucket for an identity
// (0 to identityBuckets-1). Emails and IDs hash to the same space.
func (bm *BucketingManager) GetIdentityBucket(identity interface{}) int {
	var idStr string

	switch v := identity.(type) {
	case string:
		idStr = v
	case uuid.UUID:
		idStr = v.String()
	default:
		idStr = fmt.Sprintf("%v", v)
	}

	return bm.getBucket(idStr, bm.identityBuckets)
}

// GetEventBucket returns the bucket for audit events / stream keys
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC date bucket for analytics partitioning
func (bm *BucketingManager) GetDateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	h := bm.getHash(key)
	return int(h % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

// GetIdentityBuckets returns the number of identity buckets
func (bm *BucketingManager) GetIdentityBuckets() int {
	return bm.identityBuckets
}

// GetEventBuckets returns the number of event buckets
func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}
