package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/miradorstack/fraud-monitor/internal/models"
)

// ErrMalformedResponse marks a source reply that failed validation.
var ErrMalformedResponse = errors.New("malformed source response")

// ValidateResponse checks every field the aggregator relies on. All problems
// are reported together.
func ValidateResponse(resp models.SourceResponse) error {
	var problems []error

	for i, txn := range resp.Transactions {
		if txn.ID == "" {
			problems = append(problems, fmt.Errorf("transaction %d: empty id", i))
		}
		if math.IsNaN(txn.Amount) || math.IsInf(txn.Amount, 0) || txn.Amount < 0 {
			problems = append(problems, fmt.Errorf("transaction %q: invalid amount %v", txn.ID, txn.Amount))
		}
		if !txn.Status.Valid() {
			problems = append(problems, fmt.Errorf("transaction %q: unknown status %q", txn.ID, txn.Status))
			continue
		}
		if want := models.ActionFor(txn.Status); txn.Action != want {
			problems = append(problems, fmt.Errorf("transaction %q: action %q does not match status %q", txn.ID, txn.Action, txn.Status))
		}
	}

	if resp.Split.FraudulentCount < 0 || resp.Split.LegitimateCount < 0 {
		problems = append(problems, fmt.Errorf("negative split counts %+v", resp.Split))
	}
	m := resp.Matrix
	if m.TP < 0 || m.FP < 0 || m.TN < 0 || m.FN < 0 {
		problems = append(problems, fmt.Errorf("negative confusion matrix counts %+v", m))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrMalformedResponse, errors.Join(problems...))
}
