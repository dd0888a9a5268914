// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package helpers

// AverageMeter keeps the running average of a value.
type AverageMeter struct {
	Val, Sum, Avg float64
	Count         int
}

// Update with value val, averaged over n examples.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}

// Reset all statistics.
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}
