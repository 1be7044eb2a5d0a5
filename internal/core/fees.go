package core

import (
	"fmt"

	"github.com/google/uuid"

	"VaultCore/internal/asset"
	"VaultCore/internal/state"
)

// FlushFeesIfDue transfers the pending protocol fee balance to the
// collector once it reaches the configured threshold, atomically with the
// triggering action. The collector is probed for the notification
// capability; a collector without it is simply not notified. A failing
// notification undoes the transfer and propagates the error, which fails
// the whole triggering action.
func FlushFeesIfDue(st *state.Protocol, ledger asset.Ledger, engineAccount uuid.UUID, collector asset.FeeCollector) (int64, error) {
	if collector == nil || st.PendingFees < st.Params.FeeThreshold {
		return 0, nil
	}

	amount := st.PendingFees
	if err := ledger.Transfer(engineAccount, collector.Account(), amount); err != nil {
		return 0, fmt.Errorf("flush %d to collector: %w", amount, err)
	}

	if cb, ok := collector.(asset.FeeCollectorCallback); ok {
		if err := cb.OnFeeCollected(amount); err != nil {
			// The transfer is not retained when notification fails.
			if terr := ledger.Transfer(collector.Account(), engineAccount, amount); terr != nil {
				return 0, fmt.Errorf("compensating transfer of %d failed after notification error %v: %w", amount, err, terr)
			}
			return 0, fmt.Errorf("notify collector of %d: %v: %w", amount, err, ErrCollectorNotificationFailed)
		}
	}

	st.PendingFees = 0
	return amount, nil
}
