package measurements

import "testing"

// Property 5: totalTime <= 30000ms or the row is tagged invalid.
func TestNewRowTagsCeilingViolation(t *testing.T) {
	fast := NewRow(1000000, "X", "opX", 1000, 1000, 1500, 2000, 500, 0, 0, 10)
	if !fast.Valid {
		t.Errorf("fast row tagged invalid, want valid (total=%d)", fast.TotalTime())
	}

	slow := NewRow(1000000, "X", "opX", 1000, 1000, 1500, 40000, 500, 0, 0, 10)
	if slow.Valid {
		t.Errorf("slow row tagged valid, want invalid (total=%d)", slow.TotalTime())
	}
}

func TestNewRowPrefersTransportArrivalTime(t *testing.T) {
	row := NewRow(1, "X", "opX", 100, 999, 200, 300, 0, 0, 0, 10)
	if row.ArrivalTime != 100 {
		t.Errorf("ArrivalTime = %d, want transport-captured 100", row.ArrivalTime)
	}

	rowFallback := NewRow(1, "X", "opX", 0, 999, 200, 300, 0, 0, 0, 10)
	if rowFallback.ArrivalTime != 999 {
		t.Errorf("ArrivalTime = %d, want fallback taskArrivalTime 999", rowFallback.ArrivalTime)
	}
}

func TestNewRowTotalMarkingIsBufferPlusOne(t *testing.T) {
	row := NewRow(1, "X", "opX", 1, 1, 2, 3, 0, 0, 7, 100)
	if row.TotalMarking != 8 {
		t.Errorf("TotalMarking = %d, want 8", row.TotalMarking)
	}
}
