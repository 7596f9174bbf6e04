// Package pqueue holds due job refs and hands them out across priority
// classes using smooth weighted round-robin.
package pqueue

import (
	"slices"
	"strings"
	"sync"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// DefaultWeights are the per-class dispatch weights, Critical first
var DefaultWeights = [domain.NumPriorities]int{8, 4, 2, 1}

// AdmitFunc decides whether ref can start now. Returning true hands the ref
// to the caller, which then owns any resources acquired while deciding.
type AdmitFunc func(ref domain.Ref) bool

// Queue is safe for concurrent use. Refs are unique by id.
type Queue struct {
	mu      sync.Mutex
	weights [domain.NumPriorities]int
	current [domain.NumPriorities]int
	classes [domain.NumPriorities][]domain.Ref
	index   map[string]domain.Priority

	ready chan struct{}
}

// New returns an empty queue. Non-positive weights are raised to 1 so no class starves.
func New(weights [domain.NumPriorities]int) *Queue {
	for i, w := range weights {
		if w <= 0 {
			weights[i] = 1
		}
	}
	return &Queue{
		weights: weights,
		index:   make(map[string]domain.Priority),
		ready:   make(chan struct{}, 1),
	}
}

// Weights returns the configured class weights
func (q *Queue) Weights() [domain.NumPriorities]int {
	return q.weights
}

// Ready is signalled after a Push. Signals coalesce.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Push adds ref, replacing an existing entry with the same id
func (q *Queue) Push(ref domain.Ref) {
	if !ref.Priority.Valid() {
		ref.Priority = domain.PriorityNormal
	}

	q.mu.Lock()
	q.removeLocked(ref.ID)
	q.insertLocked(ref)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Restore puts back refs handed out by Take without signalling Ready. A ref
// pushed again in the meantime keeps its newer entry.
func (q *Queue) Restore(refs ...domain.Ref) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ref := range refs {
		if _, ok := q.index[ref.ID]; ok {
			continue
		}
		if !ref.Priority.Valid() {
			ref.Priority = domain.PriorityNormal
		}
		q.insertLocked(ref)
	}
}

func (q *Queue) insertLocked(ref domain.Ref) {
	class := q.classes[ref.Priority]
	i, _ := slices.BinarySearchFunc(class, ref, compareRefs)
	q.classes[ref.Priority] = slices.Insert(class, i, ref)
	q.index[ref.ID] = ref.Priority
}

// Remove drops the ref with id. It reports whether it was present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) bool {
	p, ok := q.index[id]
	if !ok {
		return false
	}
	class := q.classes[p]
	i := slices.IndexFunc(class, func(r domain.Ref) bool { return r.ID == id })
	if i >= 0 {
		q.classes[p] = slices.Delete(class, i, i+1)
	}
	delete(q.index, id)
	if len(q.classes[p]) == 0 {
		q.current[p] = 0
	}
	return true
}

// Contains reports whether a ref with id is queued
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the number of queued refs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// LenClass returns the number of queued refs of priority p
func (q *Queue) LenClass(p domain.Priority) int {
	if !p.Valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.classes[p])
}

// Take removes and returns up to max refs chosen by smooth weighted
// round-robin over the non-empty classes. Within a class refs are tried in
// (scheduledAt, id) order; refs that admit rejects stay queued. A class whose
// remaining refs are all rejected drops out of the pass and its credit is left
// as it was before the failed pick.
//
// admit is called with the queue lock held and must not call back into q.
func (q *Queue) Take(max int, admit AdmitFunc) []domain.Ref {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		out      []domain.Ref
		excluded [domain.NumPriorities]bool
		cursor   [domain.NumPriorities]int
	)

	for len(out) < max {
		saved := q.current
		p, ok := q.pickLocked(&excluded, &cursor)
		if !ok {
			break
		}

		class := q.classes[p]
		taken := false
		for cursor[p] < len(class) {
			ref := class[cursor[p]]
			if admit(ref) {
				q.classes[p] = slices.Delete(class, cursor[p], cursor[p]+1)
				delete(q.index, ref.ID)
				out = append(out, ref)
				taken = true
				break
			}
			cursor[p]++
		}

		if !taken {
			q.current = saved
			excluded[p] = true
			continue
		}
		if len(q.classes[p]) == 0 {
			q.current[p] = 0
		}
	}
	return out
}

// pickLocked runs one smooth weighted round-robin step over the eligible classes
func (q *Queue) pickLocked(excluded *[domain.NumPriorities]bool, cursor *[domain.NumPriorities]int) (domain.Priority, bool) {
	total := 0
	best := -1
	for i := range q.classes {
		if excluded[i] || cursor[i] >= len(q.classes[i]) {
			continue
		}
		q.current[i] += q.weights[i]
		total += q.weights[i]
		if best < 0 || q.current[i] > q.current[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	q.current[best] -= total
	return domain.Priority(best), true
}

func compareRefs(a, b domain.Ref) int {
	if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
