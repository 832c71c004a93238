package tasks

import (
	"strings"
	"time"
)

// Collection is an ordered-by-discovery set of tasks keyed by id.
// The zero value is an empty collection. Collections are never mutated after
// construction; a refresh builds a new one.
type Collection struct {
	order []string
	byID  map[string]Task
}

// NewCollection builds a collection from list, keeping the first occurrence of
// each id.
func NewCollection(list []Task) Collection {
	c := Collection{
		order: make([]string, 0, len(list)),
		byID:  make(map[string]Task, len(list)),
	}
	for _, t := range list {
		if t.ID == "" {
			continue
		}
		if _, dup := c.byID[t.ID]; dup {
			continue
		}
		c.order = append(c.order, t.ID)
		c.byID[t.ID] = t.Normalize()
	}
	return c
}

func (c Collection) Len() int {
	return len(c.order)
}

func (c Collection) Get(id string) (Task, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// List returns the tasks in discovery order.
func (c Collection) List() []Task {
	out := make([]Task, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs returns the task ids in discovery order.
func (c Collection) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Filter returns the tasks whose name or description contains term,
// case-insensitively. An empty term matches everything.
func (c Collection) Filter(term string) []Task {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return c.List()
	}
	out := make([]Task, 0, len(c.order))
	for _, id := range c.order {
		t := c.byID[id]
		if strings.Contains(strings.ToLower(t.Name), term) ||
			strings.Contains(strings.ToLower(t.Description), term) {
			out = append(out, t)
		}
	}
	return out
}

func (c Collection) Stats(now time.Time) Stats {
	return ComputeStats(c.List(), now)
}
