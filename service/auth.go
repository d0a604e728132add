package service

import "context"

// Authorizer answers the only identity question the relay asks: may this
// caller broadcast. The real decision belongs to an external identity
// system; the relay treats the answer as a fact.
type Authorizer interface {
	IsAuthorizedBroadcaster(ctx context.Context, callerID string) bool
}

type allowlistAuthorizer struct {
	ids map[string]struct{}
}

// NewAllowlistAuthorizer authorizes the listed broadcaster ids. An empty
// list authorizes everyone, which is the development default.
func NewAllowlistAuthorizer(ids []string) Authorizer {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &allowlistAuthorizer{ids: set}
}

func (a *allowlistAuthorizer) IsAuthorizedBroadcaster(_ context.Context, callerID string) bool {
	if len(a.ids) == 0 {
		return true
	}
	_, ok := a.ids[callerID]
	return ok
}
