package node

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps node types to handlers. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler keyed by its descriptor type.
func (r *Registry) Register(h Handler) error {
	d := h.Descriptor()
	if d.Type == "" {
		return fmt.Errorf("handler has empty type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[d.Type]; exists {
		return fmt.Errorf("handler type %q already registered", d.Type)
	}
	r.handlers[d.Type] = h
	return nil
}

// MustRegister registers or panics. For startup wiring only.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get returns the handler for a type, or nil.
func (r *Registry) Get(nodeType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[nodeType]
}

// List returns the registered descriptors sorted by type.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// FuzzyFind returns the closest registered type to the given one, for use
// in UNKNOWN_NODE_TYPE error suggestions. Returns "" when nothing is close
// enough to be a plausible typo.
func (r *Registry) FuzzyFind(nodeType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(nodeType)
	best := ""
	bestDist := len(nodeType)/2 + 1 // beyond this it is not a typo
	for t := range r.handlers {
		d := levenshtein(lower, strings.ToLower(t))
		if d < bestDist {
			best, bestDist = t, d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, min(cur[j-1]+1, prev[j-1]+cost))
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
