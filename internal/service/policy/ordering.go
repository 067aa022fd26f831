package policy

import (
	"cmp"
	"slices"
	"strings"

	"github.com/your-org/pbac-service/internal/domain"
)

// SortByPriority orders policies by priority descending. Ties fall back to
// creation time, then ID, so a given snapshot always sorts the same way.
func SortByPriority(policies []domain.Policy) {
	slices.SortStableFunc(policies, func(a, b domain.Policy) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// FilterApplicable returns deep copies of the active policies for
// (resource, action), sorted by SortByPriority.
func FilterApplicable(all []domain.Policy, resource, action string) []domain.Policy {
	out := make([]domain.Policy, 0)
	for i := range all {
		p := &all[i]
		if p.Active && p.Resource == resource && p.Action == action {
			out = append(out, p.Clone())
		}
	}
	SortByPriority(out)
	return out
}
