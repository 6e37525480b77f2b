package audit

import "context"

type actorKey struct{}

// WithActor stamps the acting principal on the context so layers below the
// service boundary can attribute the entries they record.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stamped by WithActor, or "" when the
// call was not attributed.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return ""
}
