package closure

import (
	"context"

	"tpsl-core/internal/position"
	"tpsl-core/pkg/db"
)

// Ledger is the sqlite-backed OrderStore. Deployments that settle
// positions elsewhere supply their own OrderStore and keep the ledger as
// an audit sink.
type Ledger struct {
	store *db.Queries
}

func NewLedger(store *db.Queries) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) CloseOrder(ctx context.Context, result position.ClosureResult) error {
	return l.store.InsertClosure(ctx, db.Closure{
		ID:          result.ID,
		DealID:      result.DealID,
		UserID:      result.UserID,
		Reason:      string(result.Reason),
		ClosePrice:  result.ClosePrice,
		RealizedPnL: result.RealizedPnL,
		Success:     true,
		ClosedAt:    result.ClosedAt,
	})
}

// History returns the recorded closures for a deal, newest first.
func (l *Ledger) History(ctx context.Context, dealID string) ([]db.Closure, error) {
	return l.store.ClosuresByDeal(ctx, dealID)
}
