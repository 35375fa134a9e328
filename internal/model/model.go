// Package model defines the contract the sampling runner requires from a
// model-hosting collaborator: hook point enumeration, a synchronous forward
// pass with in-flight hook dispatch, and per-token losses for delta-loss
// estimation. A deterministic synthetic implementation backs tests and the
// demo pipeline; real hosts plug in behind the same interface.
package model

import (
	"context"

	"github.com/glassbox-ml/glassbox/internal/hooks"
)

// ForwardResult carries the outputs of one forward pass.
type ForwardResult struct {
	// TokenLosses holds one per-token loss in batch order, flattened
	// across sequences. Empty when the host does not compute losses.
	TokenLosses []float64

	// Tokens is the number of token positions processed.
	Tokens int
}

// Model is the model-hosting collaborator. The runner treats it as
// read-only: perturbations touch in-flight activations only, never
// weights, so one instance may back concurrent runs as long as each run
// uses its own hook registry.
type Model interface {
	// Name identifies the model for run summaries and alignment.
	Name() string

	// NumLayers returns the layer count of the model stack.
	NumLayers() int

	// HiddenDim returns the residual stream width.
	HiddenDim() int

	// HookPoints enumerates every valid hook point on this model.
	HookPoints() []hooks.HookPoint

	// Forward runs one synchronous pass over the batch of token-id
	// sequences, firing reg's hooks at each hook point per token
	// position. Hooks observe and may replace the in-flight activation.
	Forward(ctx context.Context, batch [][]int, reg *hooks.Registry) (ForwardResult, error)
}
