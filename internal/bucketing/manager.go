package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"payment-otp-service/internal/config"
)

// Manager assigns retailers to stable partition buckets so the
// by-retailer OTP table spreads across the cluster instead of piling a
// large tenant onto one partition.
type Manager struct {
	retailerBuckets int
	hasherPool      sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		retailerBuckets: cfg.Bucketing.RetailerBuckets,
	}
	if m.retailerBuckets <= 0 {
		m.retailerBuckets = 64
	}

	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// RetailerBucket returns the consistent bucket for a retailer,
// in [0, retailerBuckets).
func (m *Manager) RetailerBucket(retailerID string) int {
	return int(m.hash(retailerID) % uint64(m.retailerBuckets))
}

// RetailerBuckets returns the configured bucket count.
func (m *Manager) RetailerBuckets() int {
	return m.retailerBuckets
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
