package models

// ConfusionMatrix summarises classifier evaluation for the current window.
type ConfusionMatrix struct {
	TP int `json:"TP"`
	FP int `json:"FP"`
	TN int `json:"TN"`
	FN int `json:"FN"`
}

// Total returns the number of evaluated samples.
func (m ConfusionMatrix) Total() int {
	return m.TP + m.FP + m.TN + m.FN
}

// Precision is TP / (TP + FP), or 0 when nothing was predicted positive.
func (m ConfusionMatrix) Precision() float64 {
	return ratio(m.TP, m.TP+m.FP)
}

// Recall is TP / (TP + FN), or 0 when there were no positives.
func (m ConfusionMatrix) Recall() float64 {
	return ratio(m.TP, m.TP+m.FN)
}

// Accuracy is (TP + TN) / Total, or 0 for an empty matrix.
func (m ConfusionMatrix) Accuracy() float64 {
	return ratio(m.TP+m.TN, m.Total())
}

// F1 is the harmonic mean of precision and recall.
func (m ConfusionMatrix) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
