// Package strategy orders candidate providers for failover.
package strategy

import (
	"cmp"
	"fmt"
	"slices"
	"sync/atomic"
)

// Candidate is the view of a provider a strategy needs to rank it.
type Candidate struct {
	Name     string
	Priority int
	Cost     float64
	InFlight int64
}

// Strategy orders candidates; the first element is tried first. Order must
// not modify its argument.
type Strategy interface {
	Name() string
	Order(candidates []Candidate) []Candidate
}

// Names accepted by Parse.
const (
	NamePriority      = "priority"
	NameCostOptimized = "cost_optimized"
	NameRoundRobin    = "round_robin"
	NameLoadBalanced  = "load_balanced"
)

// Parse returns a fresh strategy for name.
func Parse(name string) (Strategy, error) {
	switch name {
	case NamePriority, "":
		return Priority{}, nil
	case NameCostOptimized:
		return CostOptimized{}, nil
	case NameRoundRobin:
		return &RoundRobin{}, nil
	case NameLoadBalanced:
		return LoadBalanced{}, nil
	default:
		return nil, fmt.Errorf("strategy: unknown failover strategy %q", name)
	}
}

func byPriority(a, b Candidate) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

func sorted(in []Candidate, less func(a, b Candidate) int) []Candidate {
	out := slices.Clone(in)
	slices.SortStableFunc(out, less)
	return out
}

// Priority tries the lowest priority value first.
type Priority struct{}

func (Priority) Name() string { return NamePriority }

func (Priority) Order(c []Candidate) []Candidate { return sorted(c, byPriority) }

// CostOptimized tries the cheapest provider first, falling back to priority on ties.
type CostOptimized struct{}

func (CostOptimized) Name() string { return NameCostOptimized }

func (CostOptimized) Order(c []Candidate) []Candidate {
	return sorted(c, func(a, b Candidate) int {
		if r := cmp.Compare(a.Cost, b.Cost); r != 0 {
			return r
		}
		return byPriority(a, b)
	})
}

// RoundRobin rotates the priority-sorted list by one position per call. It
// is safe for concurrent use.
type RoundRobin struct {
	counter atomic.Uint64
}

func (*RoundRobin) Name() string { return NameRoundRobin }

func (r *RoundRobin) Order(c []Candidate) []Candidate {
	base := sorted(c, byPriority)
	if len(base) < 2 {
		r.counter.Add(1)
		return base
	}
	offset := int((r.counter.Add(1) - 1) % uint64(len(base)))
	out := make([]Candidate, 0, len(base))
	out = append(out, base[offset:]...)
	return append(out, base[:offset]...)
}

// LoadBalanced tries the provider with the fewest in-flight requests first.
type LoadBalanced struct{}

func (LoadBalanced) Name() string { return NameLoadBalanced }

func (LoadBalanced) Order(c []Candidate) []Candidate {
	return sorted(c, func(a, b Candidate) int {
		if r := cmp.Compare(a.InFlight, b.InFlight); r != 0 {
			return r
		}
		return byPriority(a, b)
	})
}
