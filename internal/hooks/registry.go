package hooks

import (
	"fmt"
	"sync"

	"github.com/glassbox-ml/glassbox/internal/perturb"
)

// Activation is one token position's vector as observed at a hook point.
// The vector handed to a capture callback is the post-perturbation value;
// callbacks must not retain it beyond the call without copying.
type Activation struct {
	TokenID  int
	Position int // token position within its sequence
	Sequence int // sequence index within the current forward batch
	Vector   []float64
}

// CaptureFunc observes an activation during the forward pass. It runs
// synchronously inside the model's forward computation and must not block
// on I/O or mutate model state.
type CaptureFunc func(point HookPoint, act Activation)

// DuplicateHookError reports an attempt to attach a hook point that is
// already attached within the same pass.
type DuplicateHookError struct {
	Point HookPoint
}

func (e *DuplicateHookError) Error() string {
	return fmt.Sprintf("hook already attached at %s", e.Point)
}

// Handle identifies one attachment for detach. Zero value is inert.
type Handle struct {
	point HookPoint
	seq   uint64
}

type hookEntry struct {
	seq          uint64
	capture      CaptureFunc
	perturbation perturb.Perturbation
}

// Registry tracks the hooks active on a model during one sampling pass.
// Create one per run with NewRegistry; registries are never shared across
// concurrent runs.
type Registry struct {
	mu      sync.Mutex
	nextSeq uint64
	hooks   map[HookPoint]hookEntry
}

// NewRegistry creates an empty run-scoped registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[HookPoint]hookEntry)}
}

// Attach registers a capture callback and perturbation at the given point.
// Attaching an already-attached point fails with *DuplicateHookError
// rather than silently overwriting.
func (r *Registry) Attach(point HookPoint, capture CaptureFunc, p perturb.Perturbation) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.hooks[point]; exists {
		return Handle{}, &DuplicateHookError{Point: point}
	}

	r.nextSeq++
	r.hooks[point] = hookEntry{seq: r.nextSeq, capture: capture, perturbation: p}
	return Handle{point: point, seq: r.nextSeq}, nil
}

// Detach removes the attachment identified by h. Always succeeds:
// detaching an already-detached or stale handle is a no-op.
func (r *Registry) Detach(h Handle) {
	if h.seq == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.hooks[h.point]; ok && entry.seq == h.seq {
		delete(r.hooks, h.point)
	}
}

// DetachAll removes every active hook. Used by Scope to guarantee cleanup
// on every exit path.
func (r *Registry) DetachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.hooks)
}

// Active returns the number of currently attached hooks.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// ActivePoints returns the currently attached points, unordered.
func (r *Registry) ActivePoints() []HookPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	points := make([]HookPoint, 0, len(r.hooks))
	for p := range r.hooks {
		points = append(points, p)
	}
	return points
}

// Scope runs fn with bracketed hook acquisition: every hook attached
// inside fn is detached on every exit path, including error returns and
// panics, before the error propagates. This prevents leaked hooks from
// corrupting the next pass.
func (r *Registry) Scope(fn func() error) error {
	defer r.DetachAll()
	return fn()
}

// Fire dispatches the activation at point through the attached hook:
// the perturbation transforms the vector, the capture callback observes
// the result, and the (possibly replaced) vector is returned for the
// model to continue with. Points without a hook pass through unchanged.
func (r *Registry) Fire(point HookPoint, act Activation) []float64 {
	r.mu.Lock()
	entry, ok := r.hooks[point]
	r.mu.Unlock()

	if !ok {
		return act.Vector
	}

	act.Vector = entry.perturbation.Apply(nil, act.Vector)
	if entry.capture != nil {
		entry.capture(point, act)
	}
	return act.Vector
}
