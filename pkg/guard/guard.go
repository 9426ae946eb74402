package guard

import "time"

// Guard bundles the limiter, the content filter and owner checks used on the
// response path.
type Guard struct {
	limiter *Limiter
	filter  *Filter
}

func New(limiter *Limiter, filter *Filter) *Guard {
	return &Guard{limiter: limiter, filter: filter}
}

// Authorize reports whether sender may run privileged commands for a tenant
// owned by ownerID. An unknown owner authorizes nobody.
func (g *Guard) Authorize(ownerID, senderID string) bool {
	return ownerID != "" && ownerID == senderID
}

// Check consumes one unit of op for subject.
func (g *Guard) Check(subject string, op Op) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Check(subject, op)
}

// Screen runs the content filter.
func (g *Guard) Screen(text string) error {
	if g.filter == nil {
		return nil
	}
	if err := g.filter.Check(text); err != nil {
		contentRejected.Inc()
		return err
	}
	return nil
}

// Admit screens text and then charges op to subject. Content is checked
// first so rejected requests do not consume rate budget.
func (g *Guard) Admit(subject string, op Op, text string) error {
	if err := g.Screen(text); err != nil {
		return err
	}
	return g.Check(subject, op)
}

// Forget drops rate state for subject.
func (g *Guard) Forget(subject string) {
	if g.limiter != nil {
		g.limiter.Forget(subject)
	}
}

// Sweep drops rate windows idle for at least idle.
func (g *Guard) Sweep(idle time.Duration) int {
	if g.limiter == nil {
		return 0
	}
	return g.limiter.Sweep(idle)
}
