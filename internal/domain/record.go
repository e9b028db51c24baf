package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// HistoricalSSP is the scenario sentinel for the historical baseline.
// Kept as an integer so the scenario column stays uniformly typed.
const HistoricalSSP = -999

// PeriodKey identifies one temporal/scenario slice of the climate cube.
// The legacy decade/month datasets map onto this shape with
// StartYear = decade, EndYear = decade+9 and ReturnPeriod = 0.
type PeriodKey struct {
	Month        int
	StartYear    int
	EndYear      int
	ReturnPeriod int // 0 when the dataset has no return-period axis
}

func (k PeriodKey) String() string {
	if k.ReturnPeriod > 0 {
		return fmt.Sprintf("m%02d %d-%d rp%d", k.Month, k.StartYear, k.EndYear, k.ReturnPeriod)
	}
	return fmt.Sprintf("m%02d %d-%d", k.Month, k.StartYear, k.EndYear)
}

// EnsembleStats is the reduction of a value series across ensemble
// members.
type EnsembleStats struct {
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
	Q1     float64
	Q3     float64
}

// ExposureRecord is one output row. The composite key
// (FeatureID, Period, SSP) is unique within a run by construction and
// enforced by the destination relation's unique constraint.
type ExposureRecord struct {
	FeatureID int64
	Period    PeriodKey
	SSP       int
	Stats     EnsembleStats

	// Carried from classification so the metadata composer can record
	// polygon-to-point demotion and the source feature's tag bag.
	Simplified      bool
	OriginalAreaKm2 float64
	Tags            Tags

	Metadata json.RawMessage
}

// ParseSSP converts a scenario identifier to its integer form.
// Accepts "historical", bare integers ("245"), and ssp-prefixed forms
// ("ssp245"). The store keys scenarios by the three-digit pathway code,
// so long forms like "SSP5-8.5" are rejected.
func ParseSSP(s string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("empty scenario identifier")
	}
	if v == "historical" {
		return HistoricalSSP, nil
	}
	v = strings.TrimPrefix(v, "ssp")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid scenario identifier %q: %w", s, err)
	}
	return n, nil
}
