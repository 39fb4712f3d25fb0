package decider

import (
	"context"
	"time"

	"github.com/flitsinc/go-npcsim/internal/npc"
)

const (
	DefaultRulesLatency = 10 * time.Millisecond

	hungerThreshold = 50
)

// Rules is the built-in decider: eat when hungry, otherwise rest.
type Rules struct {
	Latency time.Duration
}

func (r *Rules) GenerateDecision(ctx context.Context, agent npc.Agent) (npc.Decision, error) {
	if err := ctx.Err(); err != nil {
		return npc.Decision{}, err
	}

	d := Decide(agent)

	latency := r.Latency
	if latency <= 0 {
		latency = DefaultRulesLatency
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return npc.Decision{}, ctx.Err()
	case <-timer.C:
		return d, nil
	}
}

// Decide applies the rules without delay.
func Decide(agent npc.Agent) npc.Decision {
	if agent.Hunger > hungerThreshold {
		return npc.Decision{
			Action: npc.Action{
				Type:        "eat",
				Description: "Eat to reduce hunger",
				Changes:     npc.Delta{npc.StatHunger: -20},
			},
			Reasoning: "rules: hungry",
		}
	}
	return npc.Decision{
		Action: npc.Action{
			Type:        "rest",
			Description: "Rest to recover energy",
			Changes:     npc.Delta{npc.StatEnergy: 10},
		},
		Reasoning: "rules: not hungry",
	}
}
