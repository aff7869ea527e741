package timeparser_test

import (
	"testing"
	"time"

	"github.com/voltmet/prepaid-metering-worker/tools/timeparser"
)

func TestParseMeterTimestamp_RFC3339(t *testing.T) {
	ts, err := timeparser.ParseMeterTimestamp("2026-03-15T10:30:00Z")
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	expected := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	if !ts.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, ts)
	}
}

func TestParseMeterTimestamp_SlashFormat(t *testing.T) {
	ts, err := timeparser.ParseMeterTimestamp("15/03/2026 10:30:00")
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	expected := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	if !ts.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, ts)
	}
}

func TestParseMeterTimestamp_ISOWithoutZone(t *testing.T) {
	ts, err := timeparser.ParseMeterTimestamp("2026-03-15 10:30:00")
	if err != nil {
		t.Fatalf("Expected success, got error: %v", err)
	}

	expected := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	if !ts.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, ts)
	}
}

func TestParseMeterTimestamp_Invalid(t *testing.T) {
	_, err := timeparser.ParseMeterTimestamp("not-a-date")
	if err == nil {
		t.Error("Expected error for unparseable timestamp")
	}
}

func TestParseMeterTimestamp_Empty(t *testing.T) {
	_, err := timeparser.ParseMeterTimestamp("")
	if err == nil {
		t.Error("Expected error for empty timestamp")
	}
}
