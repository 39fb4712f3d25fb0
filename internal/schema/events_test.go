package schema

import "testing"

func TestDayEndKeys(t *testing.T) {
	if got := DayEndKey(3); got != "3:day_end" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := DayEndCorrelationID(0); got != "0-day_end" {
		t.Fatalf("unexpected correlation id %q", got)
	}
}

func TestGetMeta(t *testing.T) {
	meta := map[string]any{"error": "boom", "transaction_count": float64(2), "n": 3}
	if GetMetaString(meta, "error") != "boom" {
		t.Fatalf("expected error string")
	}
	if GetMetaString(meta, "transaction_count") != "" {
		t.Fatalf("expected empty for non-string")
	}
	if v, ok := GetMetaInt(meta, "transaction_count"); !ok || v != 2 {
		t.Fatalf("expected 2, got %d %v", v, ok)
	}
	if v, ok := GetMetaInt(meta, "n"); !ok || v != 3 {
		t.Fatalf("expected 3, got %d %v", v, ok)
	}
	if _, ok := GetMetaInt(nil, "n"); ok {
		t.Fatalf("expected missing")
	}
}
