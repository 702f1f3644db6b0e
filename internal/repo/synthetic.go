package repo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

// SyntheticSource generates random scored batches for local runs without a
// scoring backend. The split, the batch and the confusion matrix are drawn
// independently, so they need not agree with each other.
type SyntheticSource struct {
	mu        sync.Mutex
	rng       *rand.Rand
	batchSize int
	idBase    int
}

// NewSyntheticSource returns a source seeded from the clock.
func NewSyntheticSource(batchSize int) *SyntheticSource {
	seed := uint64(time.Now().UnixNano())
	return NewSeededSyntheticSource(batchSize, seed, seed>>1)
}

// NewSeededSyntheticSource returns a deterministic source for tests.
func NewSeededSyntheticSource(batchSize int, seed1, seed2 uint64) *SyntheticSource {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &SyntheticSource{
		rng:       rand.New(rand.NewPCG(seed1, seed2)),
		batchSize: batchSize,
		idBase:    1000,
	}
}

// FetchBatch returns a fresh random batch. It only fails when ctx is done.
func (s *SyntheticSource) FetchBatch(ctx context.Context) (models.SourceResponse, error) {
	if err := ctx.Err(); err != nil {
		return models.SourceResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	split := models.ClassificationSplit{
		FraudulentCount: s.rng.IntN(100),
		LegitimateCount: s.rng.IntN(100),
	}

	batch := make(models.Batch, 0, s.batchSize)
	for i := 0; i < s.batchSize; i++ {
		status := models.StatusLegitimate
		if s.rng.Float64() > 0.5 {
			status = models.StatusFraudulent
		}
		batch = append(batch, models.Transaction{
			ID:     fmt.Sprintf("TXN%d", s.idBase+i),
			Amount: math.Round(s.rng.Float64()*1000*100) / 100,
			Status: status,
			Action: models.ActionFor(status),
		})
	}

	matrix := models.ConfusionMatrix{
		TP: s.rng.IntN(50),
		FP: s.rng.IntN(50),
		TN: s.rng.IntN(50),
		FN: s.rng.IntN(50),
	}

	return models.SourceResponse{Transactions: batch, Split: split, Matrix: matrix}, nil
}
