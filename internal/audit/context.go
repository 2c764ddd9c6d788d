package audit

import (
	"context"
	"strings"
)

// Actor identifies who performed an action and from where. Every field is
// optional: a scheduled job has no request, a pre-authentication request
// has no user.
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

type actorContextKey struct{}

// WithActor attaches attribution for subsequent audit writes to the
// context. The HTTP layer sets this once per request; background work
// leaves it unset.
func WithActor(ctx context.Context, actor Actor) context.Context {
	actor.UserID = strings.TrimSpace(actor.UserID)
	actor.IPAddress = strings.TrimSpace(actor.IPAddress)
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the attribution attached to the context, or a
// zero Actor when none was set.
func ActorFromContext(ctx context.Context) Actor {
	if ctx == nil {
		return Actor{}
	}
	if actor, ok := ctx.Value(actorContextKey{}).(Actor); ok {
		return actor
	}
	return Actor{}
}
