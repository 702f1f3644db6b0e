package engine

import (
	"time"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

// Aggregator turns a validated source response into a Snapshot.
type Aggregator struct{}

// NewAggregator creates an aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Aggregate builds the snapshot for one cycle. Flagged keeps the batch order
// and is neither sorted nor deduplicated. Split and Matrix are passed through
// as reported: the source supplies them separately from the batch and they
// are not reconciled with it. The batch is copied so the snapshot does not
// alias the source's memory.
func (a *Aggregator) Aggregate(resp models.SourceResponse, fetchedAt time.Time) models.Snapshot {
	txns := make(models.Batch, len(resp.Transactions))
	copy(txns, resp.Transactions)

	flagged := make(models.Batch, 0, len(txns))
	for _, txn := range txns {
		if txn.Fraudulent() {
			flagged = append(flagged, txn)
		}
	}

	return models.Snapshot{
		Split:        resp.Split,
		Transactions: txns,
		Flagged:      flagged,
		Matrix:       resp.Matrix,
		FetchedAt:    fetchedAt,
	}
}
