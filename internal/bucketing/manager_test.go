package bucketing

import (
	"testing"

	"payment-otp-service/internal/config"
)

func TestRetailerBucketStableAndBounded(t *testing.T) {
	m := NewManager(&config.Config{Bucketing: config.BucketingConfig{RetailerBuckets: 64}})

	first := m.RetailerBucket("retailer-42")
	for i := 0; i < 100; i++ {
		b := m.RetailerBucket("retailer-42")
		if b != first {
			t.Fatalf("bucket changed across calls: %d vs %d", first, b)
		}
	}

	for _, id := range []string{"a", "retailer-1", "retailer-2", "some-very-long-retailer-identifier"} {
		b := m.RetailerBucket(id)
		if b < 0 || b >= 64 {
			t.Errorf("RetailerBucket(%q) = %d, out of range", id, b)
		}
	}
}
