package agentcontext

import (
	"context"
	"strings"
)

type contextKey string

const playerIDKey contextKey = "player_id"

// AdminPlayerID may delete any agent.
const AdminPlayerID = "admin"

func WithPlayerID(ctx context.Context, playerID string) context.Context {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return ctx
	}
	return context.WithValue(ctx, playerIDKey, playerID)
}

func PlayerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(playerIDKey).(string); ok {
		return val
	}
	return ""
}

func IsAdmin(ctx context.Context) bool {
	return PlayerIDFromContext(ctx) == AdminPlayerID
}
