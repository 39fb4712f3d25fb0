package npc

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Stat names a numeric agent field a decision may change.
type Stat string

const (
	StatHunger Stat = "hunger"
	StatEnergy Stat = "energy"
	StatMood   Stat = "mood"
	StatMoney  Stat = "money"
)

var knownStats = []Stat{StatHunger, StatEnergy, StatMood, StatMoney}

func ParseStat(raw string) (Stat, bool) {
	s := Stat(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range knownStats {
		if s == k {
			return s, true
		}
	}
	return "", false
}

// Delta maps stats to signed changes.
type Delta map[Stat]float64

// ParseChanges converts an untyped changes bag into a Delta. Unknown keys and
// non-numeric values are dropped.
func ParseChanges(raw map[string]any) Delta {
	if len(raw) == 0 {
		return nil
	}
	out := Delta{}
	for key, value := range raw {
		stat, ok := ParseStat(key)
		if !ok {
			continue
		}
		n, ok := toFloat(value)
		if !ok {
			continue
		}
		out[stat] += n
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Map returns the delta keyed by plain strings, for payloads and logs.
func (d Delta) Map() map[string]float64 {
	out := make(map[string]float64, len(d))
	for k, v := range d {
		out[string(k)] = v
	}
	return out
}

func (d Delta) String() string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s%+g", k, d[Stat(k)]))
	}
	return strings.Join(parts, " ")
}

// ApplyDelta adds each change to its stat and clamps the vitals to
// [StatMin, StatMax]. Money is left unbounded.
func ApplyDelta(a *Agent, d Delta) {
	for stat, change := range d {
		if math.IsNaN(change) || math.IsInf(change, 0) {
			continue
		}
		switch stat {
		case StatHunger:
			a.Hunger = Clamp(a.Hunger + change)
		case StatEnergy:
			a.Energy = Clamp(a.Energy + change)
		case StatMood:
			a.Mood = Clamp(a.Mood + change)
		case StatMoney:
			a.Money += change
		}
	}
}

func Clamp(v float64) float64 {
	if v < StatMin {
		return StatMin
	}
	if v > StatMax {
		return StatMax
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
