package validator_test

import (
	"testing"
	"time"

	"github.com/voltmet/prepaid-metering-worker/internal/validator"
)

func f64(v float64) *float64 { return &v }

func TestValidateReading_Valid(t *testing.T) {
	v := validator.NewValidator()

	data := validator.ReadingData{
		DeviceID:  42,
		Timestamp: "15/03/2026 10:30:00",
		TotalKWh:  f64(1250.5),
	}

	ts, result := v.ValidateReading(data)

	if !result.IsValid {
		t.Fatalf("Expected valid result, got invalid: %s", result.Reason)
	}

	expected := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	if !ts.Equal(expected) {
		t.Errorf("Expected timestamp %v, got %v", expected, ts)
	}
}

func TestValidateReading_MissingDeviceID(t *testing.T) {
	v := validator.NewValidator()

	data := validator.ReadingData{
		Timestamp: "15/03/2026 10:30:00",
		TotalKWh:  f64(1250.5),
	}

	_, result := v.ValidateReading(data)

	if result.IsValid {
		t.Error("Expected invalid result for missing device id")
	}
	if result.Reason != "missing device id" {
		t.Errorf("Expected 'missing device id', got '%s'", result.Reason)
	}
}

func TestValidateReading_MissingTotal(t *testing.T) {
	v := validator.NewValidator()

	data := validator.ReadingData{
		DeviceID:  42,
		Timestamp: "15/03/2026 10:30:00",
	}

	_, result := v.ValidateReading(data)

	if result.IsValid {
		t.Error("Expected invalid result for missing total energy")
	}
	if result.Reason != "missing total energy value" {
		t.Errorf("Expected 'missing total energy value', got '%s'", result.Reason)
	}
}

func TestValidateReading_NegativeTotal(t *testing.T) {
	v := validator.NewValidator()

	data := validator.ReadingData{
		DeviceID:  42,
		Timestamp: "15/03/2026 10:30:00",
		TotalKWh:  f64(-3.2),
	}

	_, result := v.ValidateReading(data)

	if result.IsValid {
		t.Error("Expected invalid result for negative total energy")
	}
	if result.Reason != "negative total energy value" {
		t.Errorf("Expected 'negative total energy value', got '%s'", result.Reason)
	}
}

func TestValidateReading_NegativeSubCounter(t *testing.T) {
	v := validator.NewValidator()

	data := validator.ReadingData{
		DeviceID:     42,
		Timestamp:    "15/03/2026 10:30:00",
		TotalKWh:     f64(1250.5),
		GeneratorKWh: f64(-1),
	}

	_, result := v.ValidateReading(data)

	if result.IsValid {
		t.Error("Expected invalid result for negative generator counter")
	}
}

func TestValidateReading_ZeroTotalAllowed(t *testing.T) {
	v := validator.NewValidator()

	data := validator.ReadingData{
		DeviceID:  42,
		Timestamp: "2026-03-15T10:30:00Z",
		TotalKWh:  f64(0),
	}

	_, result := v.ValidateReading(data)

	if !result.IsValid {
		t.Errorf("Expected valid result for zero total, got invalid: %s", result.Reason)
	}
}

func TestValidateReading_BadTimestamp(t *testing.T) {
	v := validator.NewValidator()

	data := validator.ReadingData{
		DeviceID:  42,
		Timestamp: "yesterday",
		TotalKWh:  f64(1250.5),
	}

	_, result := v.ValidateReading(data)

	if result.IsValid {
		t.Error("Expected invalid result for unparseable timestamp")
	}
}
