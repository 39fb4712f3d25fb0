package schema

import "strconv"

const (
	DataAffected         = "affected"
	DataTransactionCount = "transaction_count"
	DataNPCCount         = "npc_count"
	DataDecisionsCount   = "decisions_count"
	DataDurationMS       = "duration_ms"
	DataFallback         = "fallback"
	DataError            = "error"
	DataReplay           = "replay"
	DataActor            = "actor"
	DataDiff             = "diff"
	DataName             = "npc_name"
)

// GetMetaString extracts a string from an event data map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// GetMetaInt extracts an integer from an event data map, accepting the
// float64 values produced by JSON decoding.
func GetMetaInt(meta map[string]any, key string) (int64, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
