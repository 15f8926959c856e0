// schedule.go - Lernraten-Verlauf mit linearem Warmup
package trainer

import "math"

// Schedule liefert die Lernrate fuer einen Optimizer-Schritt.
// Schritte zaehlen ab 0 (Anzahl bereits ausgefuehrter Schritte).
type Schedule struct {
	Type   string
	LR     float64
	Warmup int
	Total  int
}

// NewSchedule legt warmup = ceil(warmupRatio · total) fest
func NewSchedule(typ string, lr, warmupRatio float64, total int) Schedule {
	return Schedule{
		Type:   typ,
		LR:     lr,
		Warmup: int(math.Ceil(warmupRatio * float64(total))),
		Total:  total,
	}
}

// At gibt die Lernrate fuer Schritt step zurueck
func (s Schedule) At(step int) float64 {
	if s.Type == SchedulerConstant {
		return s.LR
	}

	if step < s.Warmup {
		return s.LR * float64(step) / float64(max(1, s.Warmup))
	}

	progress := float64(step-s.Warmup) / float64(max(1, s.Total-s.Warmup))
	switch s.Type {
	case SchedulerConstantWithWarmup:
		return s.LR
	case SchedulerLinear:
		return s.LR * max(0, 1-progress)
	default:
		return s.LR * max(0, 0.5*(1+math.Cos(math.Pi*progress)))
	}
}

// TotalSteps berechnet epochs · ceil(microBatches / gradAccum)
func TotalSteps(examples, batchSize, gradAccum, epochs int) int {
	microBatches := ceilDiv(examples, batchSize)
	return epochs * ceilDiv(microBatches, gradAccum)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
