package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"payment-otp-service/internal/config"
	"payment-otp-service/internal/encryption"
	"payment-otp-service/internal/model"
	"payment-otp-service/internal/repository/scylla"
	"payment-otp-service/internal/util"
)

// expiredSuffix is appended to the displayed code while a dead record
// lingers in the grace window, so the retailer sees why the code stopped
// working instead of it silently vanishing.
const expiredSuffix = " (EXPIRED)"

// DashboardBridge projects durable OTP records into the transient
// display list a retailer dashboard renders. The durable store stays
// authoritative: the in-process cache is rebuilt from it on every sync
// and is only a read model, never a source of truth.
//
// A record past expiry stays visible, marked expired, for a grace
// window; past the grace window it is dropped from the display and
// best-effort terminated in the store.
type DashboardBridge struct {
	store      scylla.RecordStore
	obfuscator encryption.Obfuscator
	grace      time.Duration
	limit      int

	mu         sync.RWMutex
	byRetailer map[string][]model.DisplayEntry
	retailerOf map[string]string
}

func NewDashboardBridge(store scylla.RecordStore, obfuscator encryption.Obfuscator, cfg *config.Config) *DashboardBridge {
	return &DashboardBridge{
		store:      store,
		obfuscator: obfuscator,
		grace:      cfg.OTP.GraceWindow,
		limit:      20,
		byRetailer: make(map[string][]model.DisplayEntry),
		retailerOf: make(map[string]string),
	}
}

// Sync rebuilds the retailer's display list from the store and returns
// it, newest first.
func (b *DashboardBridge) Sync(ctx context.Context, retailerID string) ([]model.DisplayEntry, error) {
	records, err := b.store.GetActiveByRetailerID(ctx, retailerID, b.limit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entries := make([]model.DisplayEntry, 0, len(records))
	seen := make(map[string]bool, len(records))
	var stale []*model.OTPRecord

	for _, rec := range records {
		// Rows arrive newest first; the first record per payment wins.
		// A superseded duplicate (a re-issue whose retailer-index row
		// missed its used-flag update) must never render a second code.
		if seen[rec.PaymentID] {
			continue
		}
		seen[rec.PaymentID] = true

		if !now.Before(rec.ExpiresAt.Add(b.grace)) {
			stale = append(stale, rec)
			continue
		}

		code, err := b.obfuscator.Decode(ctx, rec.Code)
		if err != nil {
			util.Warn("Failed to decode display code, skipping entry",
				zap.String("otp_id", rec.OTPID),
				zap.String("payment_id", rec.PaymentID),
				zap.Error(err))
			continue
		}

		entry := model.DisplayEntry{
			PaymentID:      rec.PaymentID,
			Code:           code,
			Amount:         rec.Amount,
			LineWorkerName: rec.LineWorkerName,
			CreatedAt:      rec.CreatedAt,
			ExpiresAt:      rec.ExpiresAt,
		}
		if !now.Before(rec.ExpiresAt) {
			entry.Expired = true
			entry.Code = code + expiredSuffix
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	b.mu.Lock()
	for _, old := range b.byRetailer[retailerID] {
		delete(b.retailerOf, old.PaymentID)
	}
	b.byRetailer[retailerID] = entries
	for _, e := range entries {
		b.retailerOf[e.PaymentID] = retailerID
	}
	b.mu.Unlock()

	// Records past the grace window are done for good; terminate them
	// so they stop surfacing. Failures here only delay the next sweep.
	for _, rec := range stale {
		if err := b.store.MarkUsed(ctx, rec); err != nil {
			util.Warn("Failed to retire stale display record",
				zap.String("otp_id", rec.OTPID),
				zap.Error(err))
		}
	}

	return entries, nil
}

// Entries returns the cached display list for a retailer without
// touching the store. Empty when the retailer was never synced.
func (b *DashboardBridge) Entries(retailerID string) []model.DisplayEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cached := b.byRetailer[retailerID]
	out := make([]model.DisplayEntry, len(cached))
	copy(out, cached)
	return out
}

// Remove drops a payment's entry from the display cache. Idempotent:
// removing an absent entry is a no-op.
func (b *DashboardBridge) Remove(paymentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	retailerID, ok := b.retailerOf[paymentID]
	if !ok {
		return
	}
	delete(b.retailerOf, paymentID)

	entries := b.byRetailer[retailerID]
	for i, e := range entries {
		if e.PaymentID == paymentID {
			b.byRetailer[retailerID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
}
