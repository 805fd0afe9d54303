package content

// RetentionState is an immutable snapshot of one session's items, sorted
// oldest-first by CreatedAt, used to decide which items a retention policy
// should evict. Policies are pure: no IO, no locks, no mutation.
type RetentionState struct {
	Items []Item
}

// RetentionPolicy decides which of a session's items should be evicted.
type RetentionPolicy interface {
	Apply(state RetentionState) []string
}

// RetentionPolicyFunc adapts an ordinary function to a RetentionPolicy.
type RetentionPolicyFunc func(state RetentionState) []string

func (f RetentionPolicyFunc) Apply(state RetentionState) []string { return f(state) }

// CompositeRetentionPolicy unions the eviction sets of its sub-policies.
type CompositeRetentionPolicy struct {
	policies []RetentionPolicy
}

// NewCompositeRetentionPolicy creates a policy that evicts an item if any
// sub-policy says to.
func NewCompositeRetentionPolicy(policies ...RetentionPolicy) *CompositeRetentionPolicy {
	return &CompositeRetentionPolicy{policies: policies}
}

func (c *CompositeRetentionPolicy) Apply(state RetentionState) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, p := range c.policies {
		for _, id := range p.Apply(state) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				result = append(result, id)
			}
		}
	}
	return result
}

// UnpinnedCompleteCountPolicy keeps at most maxItems unpinned, complete
// items per session, evicting the oldest first (spec §4.1
// cleanupOldContent). Pinned or incomplete items are never evicted by this
// policy.
type UnpinnedCompleteCountPolicy struct {
	maxItems int
}

// NewUnpinnedCompleteCountPolicy creates a policy that keeps at most
// maxItems unpinned complete items.
func NewUnpinnedCompleteCountPolicy(maxItems int) *UnpinnedCompleteCountPolicy {
	return &UnpinnedCompleteCountPolicy{maxItems: maxItems}
}

func (p *UnpinnedCompleteCountPolicy) Apply(state RetentionState) []string {
	if p.maxItems <= 0 {
		return nil
	}

	var eligible []Item
	for _, it := range state.Items {
		if it.IsComplete && !it.IsPinned {
			eligible = append(eligible, it)
		}
	}
	if len(eligible) <= p.maxItems {
		return nil
	}

	excess := len(eligible) - p.maxItems
	result := make([]string, excess)
	for i := range excess {
		result[i] = eligible[i].ContentID
	}
	return result
}
