package conflict

// =============================================================================
// POLICY - Automatic resolution decisions
// =============================================================================
//
// Without a policy every conflict waits for a human. A policy may claim a
// conflict and decide how to heal it; anything it declines stays in the
// reconciliation view.

type Policy interface {
	Decide(c Conflict) (Resolution, bool)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(c Conflict) (Resolution, bool)

func (f PolicyFunc) Decide(c Conflict) (Resolution, bool) { return f(c) }

// BackorderPolicy backorders small shortfalls automatically.
type BackorderPolicy struct {
	// MaxShortfall is the largest shortfall handled automatically. Zero
	// disables the policy.
	MaxShortfall int64
	Actor        string
}

func (p BackorderPolicy) Decide(c Conflict) (Resolution, bool) {
	if p.MaxShortfall <= 0 || c.Shortfall <= 0 || c.Shortfall > p.MaxShortfall {
		return Resolution{}, false
	}
	actor := p.Actor
	if actor == "" {
		actor = "policy:backorder"
	}
	return Resolution{
		Key:      c.Key,
		Action:   ActionBackorder,
		Quantity: c.Shortfall,
		Actor:    actor,
	}, true
}
