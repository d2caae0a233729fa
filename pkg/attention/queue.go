// Package attention computes the operator attention queue: every unit in
// NEEDS_ATTENTION, ordered by how much of the remaining work is stuck
// behind it.
package attention

import (
	"sort"
	"time"

	"loom/pkg/protocol"
)

// Build projects the attention queue from a snapshot of all work units.
// Priority is 10 times the number of units transitively blocked on the
// chunk plus the depth of the longest blocked chain below it. Ties break by
// ascending attention time, then chunk id.
func Build(units []protocol.WorkUnit, now time.Time) []protocol.AttentionItem {
	dependents := reverseEdges(units)

	var items []protocol.AttentionItem
	at := map[string]time.Time{}
	for _, u := range units {
		if u.Status != protocol.StatusNeedsAttention {
			continue
		}
		blocked := transitiveDependents(u.ChunkID, dependents)
		depth := longestChain(u.ChunkID, dependents, map[string]int{}, map[string]bool{})
		items = append(items, protocol.AttentionItem{
			ChunkID:     u.ChunkID,
			Priority:    10*blocked + depth,
			WaitSeconds: waitSeconds(u, now),
			Reason:      u.AttentionReason,
		})
		at[u.ChunkID] = attentionTime(u)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		ti, tj := at[items[i].ChunkID], at[items[j].ChunkID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return items[i].ChunkID < items[j].ChunkID
	})
	return items
}

// reverseEdges maps each chunk to the units directly blocked on it. Only
// BLOCKED units carry blocked_by entries, so the graph holds exactly the
// live dependency edges.
func reverseEdges(units []protocol.WorkUnit) map[string][]string {
	dependents := map[string][]string{}
	for _, u := range units {
		for _, blocker := range u.BlockedBy {
			dependents[blocker] = append(dependents[blocker], u.ChunkID)
		}
	}
	return dependents
}

// transitiveDependents counts distinct units reachable from id over the
// dependents graph, excluding id itself.
func transitiveDependents(id string, dependents map[string][]string) int {
	seen := map[string]bool{id: true}
	queue := []string{id}
	count := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			count++
			queue = append(queue, dep)
		}
	}
	return count
}

// longestChain returns the length of the longest dependent chain below id.
// A cycle, should one ever be injected, terminates as a leaf instead of
// recursing forever.
func longestChain(id string, dependents map[string][]string, memo map[string]int, inStack map[string]bool) int {
	if d, ok := memo[id]; ok {
		return d
	}
	if inStack[id] {
		return 0
	}
	inStack[id] = true
	best := 0
	for _, dep := range dependents[id] {
		if d := longestChain(dep, dependents, memo, inStack) + 1; d > best {
			best = d
		}
	}
	inStack[id] = false
	memo[id] = best
	return best
}

func attentionTime(u protocol.WorkUnit) time.Time {
	if u.AttentionAt != nil {
		return *u.AttentionAt
	}
	return u.UpdatedAt
}

func waitSeconds(u protocol.WorkUnit, now time.Time) int64 {
	d := now.Sub(attentionTime(u))
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}
