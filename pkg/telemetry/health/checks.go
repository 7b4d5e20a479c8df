package health

import (
	"context"
	"fmt"

	"cynsta/spendguard/pkg/ledger"
	"cynsta/spendguard/pkg/pricing"
)

// PricingCheck fails while the registry has no usable table.
func PricingCheck(reg *pricing.Registry) CheckFunc {
	return func(context.Context) error {
		_, err := reg.Current()
		return err
	}
}

// LedgerCheck fails when the ledger store cannot be queried.
func LedgerCheck(store ledger.Store) CheckFunc {
	return func(ctx context.Context) error {
		_, err := store.ListRuns(ctx, ledger.RunFilter{Limit: 1})
		return err
	}
}

// QueueCheck fails when a queue holds more than limit items.
func QueueCheck(pending func() int, limit int) CheckFunc {
	return func(context.Context) error {
		if n := pending(); n > limit {
			return fmt.Errorf("%d records pending, limit %d", n, limit)
		}
		return nil
	}
}
