package models

// Status is the label the scoring backend assigns to a transaction.
type Status string

const (
	StatusFraudulent Status = "Fraudulent"
	StatusLegitimate Status = "Legitimate"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusFraudulent || s == StatusLegitimate
}

// Action is the operator-facing decision for a transaction.
type Action string

const (
	ActionFlag  Action = "Flag"
	ActionAllow Action = "Allow"
)

// ActionFor returns the action derived from a status. Unknown statuses map to
// the empty action so callers can detect them.
func ActionFor(status Status) Action {
	switch status {
	case StatusFraudulent:
		return ActionFlag
	case StatusLegitimate:
		return ActionAllow
	default:
		return ""
	}
}

// Transaction is a single scored transaction. IDs are unique within a batch
// only.
type Transaction struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
	Status Status  `json:"status"`
	Action Action  `json:"action"`
}

// Fraudulent reports whether the transaction was labelled fraudulent.
func (t Transaction) Fraudulent() bool {
	return t.Status == StatusFraudulent
}

// Batch is the ordered set of transactions returned by one source call.
type Batch []Transaction

// ClassificationSplit holds the fraudulent/legitimate counts shown in the
// chart. It is reported by the source on its own and is not derived from the
// batch.
type ClassificationSplit struct {
	FraudulentCount int `json:"fraudulent"`
	LegitimateCount int `json:"legitimate"`
}

// Total returns the number of classified transactions.
func (s ClassificationSplit) Total() int {
	return s.FraudulentCount + s.LegitimateCount
}

// SourceResponse is a successful reply from a transaction source.
type SourceResponse struct {
	Transactions Batch
	Split        ClassificationSplit
	Matrix       ConfusionMatrix
}
