package validator

import (
	"fmt"
	"time"

	"github.com/voltmet/prepaid-metering-worker/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// ReadingData is one raw meter sample as forwarded by the
// data-acquisition gateway.
type ReadingData struct {
	DeviceID        int64    `json:"device_id"`
	Timestamp       string   `json:"timestamp"`
	TotalKWh        *float64 `json:"total_kwh"`
	GridKWh         *float64 `json:"grid_kwh,omitempty"`
	GeneratorKWh    *float64 `json:"generator_kwh,omitempty"`
	PowerKW         *float64 `json:"power_kw,omitempty"`
	Voltage         *float64 `json:"voltage,omitempty"`
	Current         *float64 `json:"current,omitempty"`
	Frequency       *float64 `json:"frequency,omitempty"`
	PowerFactor     *float64 `json:"power_factor,omitempty"`
	Quality         string   `json:"quality,omitempty"`
}

// Validator checks raw reading payloads before ingestion
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateReading validates one raw sample. Rejections are terminal:
// the reading is never persisted. The cumulative total is required
// and must be non-negative; sub-meter counters must be non-negative
// when present.
func (v *Validator) ValidateReading(data ReadingData) (time.Time, ValidationResult) {
	if data.DeviceID <= 0 {
		return time.Time{}, invalid("missing device id")
	}
	if data.TotalKWh == nil {
		return time.Time{}, invalid("missing total energy value")
	}
	if *data.TotalKWh < 0 {
		return time.Time{}, invalid("negative total energy value")
	}
	if data.GridKWh != nil && *data.GridKWh < 0 {
		return time.Time{}, invalid("negative grid energy value")
	}
	if data.GeneratorKWh != nil && *data.GeneratorKWh < 0 {
		return time.Time{}, invalid("negative generator energy value")
	}

	ts, err := timeparser.ParseMeterTimestamp(data.Timestamp)
	if err != nil {
		return time.Time{}, invalid(fmt.Sprintf("invalid timestamp format: %v", err))
	}

	return ts, ValidationResult{IsValid: true}
}

func invalid(reason string) ValidationResult {
	return ValidationResult{IsValid: false, Reason: reason}
}
