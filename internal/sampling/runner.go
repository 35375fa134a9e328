package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/glassbox-ml/glassbox/internal/dataset"
	"github.com/glassbox-ml/glassbox/internal/hooks"
	"github.com/glassbox-ml/glassbox/internal/logging"
	"github.com/glassbox-ml/glassbox/internal/metrics"
	"github.com/glassbox-ml/glassbox/internal/model"
	"github.com/glassbox-ml/glassbox/internal/perturb"
)

// RunnerConfig carries the runner's collaborators. All fields are
// optional; nil fields disable the corresponding output.
type RunnerConfig struct {
	Logger    *slog.Logger
	Events    *logging.RunLogger
	Metrics   *metrics.RunMetrics
	DeltaLoss DeltaLossFunc
}

// Runner executes sampling runs against one model.
type Runner struct {
	model     model.Model
	log       *slog.Logger
	events    *logging.RunLogger
	metrics   *metrics.RunMetrics
	deltaLoss DeltaLossFunc
}

// NewRunner creates a runner for m.
func NewRunner(m model.Model, cfg RunnerConfig) *Runner {
	r := &Runner{
		model:     m,
		log:       cfg.Logger,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		deltaLoss: cfg.DeltaLoss,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.deltaLoss == nil {
		r.deltaLoss = MeanDeltaLoss
	}
	return r
}

// Result holds everything one sampling run collected. Buffers is keyed
// by layer index; DeltaLoss only has entries for layers that carried a
// perturbation when delta measurement was requested.
type Result struct {
	Buffers   map[int]*SampleBuffer
	DeltaLoss map[int]float64

	Steps      int
	Sequences  int
	TokensSeen int
	TokensKept int
	Evictions  int

	// Truncated reports the run stopped on cancellation or deadline.
	// The collected buffers are still valid.
	Truncated bool
}

// Run validates spec against the model, then streams batches from data
// through hooked forward passes until the dataset is exhausted or a
// limit fires. An empty dataset yields an empty buffer map. Context
// cancellation and MaxDuration end the run early without error; the
// partial result is returned.
func (r *Runner) Run(ctx context.Context, spec Spec, data dataset.Iterator) (*Result, error) {
	spec = spec.withDefaults()
	if err := r.validate(spec); err != nil {
		return nil, err
	}

	if spec.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.MaxDuration)
		defer cancel()
	}

	res := &Result{
		Buffers:   make(map[int]*SampleBuffer),
		DeltaLoss: make(map[int]float64),
	}

	layers := make([]int, 0, len(spec.Layers))
	buffers := make(map[int]*SampleBuffer, len(spec.Layers))
	keepRngs := make(map[int]*rand.Rand, len(spec.Layers))
	for _, ls := range spec.Layers {
		layers = append(layers, ls.Layer)
		buffers[ls.Layer] = NewSampleBuffer(ls.Layer, spec.PerLayerCapacity, spec.CapacityPolicy,
			rand.New(rand.NewSource(mixSeed(spec.Seed, ls.Layer, saltReservoir))))
		keepRngs[ls.Layer] = rand.New(rand.NewSource(mixSeed(spec.Seed, ls.Layer, saltKeep)))
	}
	sort.Ints(layers)

	r.events.Log(map[string]any{
		"event":     "run_start",
		"model":     r.model.Name(),
		"component": string(spec.Component),
		"layers":    layers,
		"rate":      spec.SamplingRate,
	})
	r.log.Debug("sampling run starting",
		"model", r.model.Name(), "layers", len(layers), "rate", spec.SamplingRate)

	deltaSums := make(map[int]float64)
	deltaCounts := make(map[int]int)

	for {
		if ctx.Err() != nil {
			res.Truncated = true
			break
		}
		if spec.MaxSequences > 0 && res.Sequences >= spec.MaxSequences {
			break
		}

		batch, ok := data.Next()
		if !ok {
			break
		}
		if len(batch) == 0 {
			continue
		}
		batch = trimBatch(batch, spec, res.Sequences)

		truncated, err := r.runBatch(ctx, spec, batch, res.Steps, res.Sequences,
			layers, buffers, keepRngs, res, deltaSums, deltaCounts)
		if err != nil {
			return nil, err
		}
		res.Steps++
		res.Sequences += len(batch)
		if truncated {
			res.Truncated = true
			break
		}
	}

	// An empty dataset produces an empty map, not a map of empty buffers.
	if res.Steps > 0 {
		for l, b := range buffers {
			res.Buffers[l] = b
		}
	}
	for l, sum := range deltaSums {
		if n := deltaCounts[l]; n > 0 {
			res.DeltaLoss[l] = sum / float64(n)
		}
	}

	r.events.Log(map[string]any{
		"event":       "run_complete",
		"steps":       res.Steps,
		"sequences":   res.Sequences,
		"tokens_seen": res.TokensSeen,
		"tokens_kept": res.TokensKept,
		"evictions":   res.Evictions,
		"truncated":   res.Truncated,
	})
	r.log.Info("sampling run complete",
		"steps", res.Steps,
		"tokens_kept", res.TokensKept,
		"evictions", res.Evictions,
		"truncated", res.Truncated)
	return res, nil
}

// validate fails fast on a spec the model cannot serve. It runs before
// any forward pass so a bad layer index costs nothing.
func (r *Runner) validate(spec Spec) error {
	if spec.SamplingRate <= 0 || spec.SamplingRate > 1 {
		return fmt.Errorf("sampling rate %v outside (0, 1]", spec.SamplingRate)
	}
	if !spec.CapacityPolicy.Valid() {
		return fmt.Errorf("unknown capacity policy %q", spec.CapacityPolicy)
	}
	if !spec.Component.Valid() {
		return fmt.Errorf("unknown component %q", spec.Component)
	}

	available := make(map[hooks.HookPoint]struct{})
	for _, p := range r.model.HookPoints() {
		available[p] = struct{}{}
	}

	numLayers := r.model.NumLayers()
	seen := make(map[int]struct{}, len(spec.Layers))
	for _, ls := range spec.Layers {
		if ls.Layer < 0 || ls.Layer >= numLayers {
			return &InvalidLayerError{Layer: ls.Layer, NumLayers: numLayers}
		}
		if _, dup := seen[ls.Layer]; dup {
			return fmt.Errorf("layer %d listed twice", ls.Layer)
		}
		seen[ls.Layer] = struct{}{}

		point := hooks.HookPoint{LayerIndex: ls.Layer, Component: spec.Component}
		if _, ok := available[point]; !ok {
			return fmt.Errorf("model %s does not expose hook point %s", r.model.Name(), point)
		}
	}
	return nil
}

// runBatch runs the hooked capture pass for one batch plus, when delta
// measurement is on, the paired base and per-layer isolation passes.
// The returned bool reports context truncation mid-batch.
func (r *Runner) runBatch(ctx context.Context, spec Spec, batch [][]int, step, seqBase int,
	layers []int, buffers map[int]*SampleBuffer, keepRngs map[int]*rand.Rand,
	res *Result, deltaSums map[int]float64, deltaCounts map[int]int) (bool, error) {

	perturbed := perturbedLayers(spec)

	reg := hooks.NewRegistry()
	var capt model.ForwardResult
	err := reg.Scope(func() error {
		for _, ls := range spec.Layers {
			buf := buffers[ls.Layer]
			keep := keepRngs[ls.Layer]
			point := hooks.HookPoint{LayerIndex: ls.Layer, Component: spec.Component}

			capture := func(_ hooks.HookPoint, act hooks.Activation) {
				r.observe(spec, buf, keep, act, step, seqBase, layers, buffers, res)
			}
			if _, err := reg.Attach(point, capture, ls.Perturbation); err != nil {
				return err
			}
		}

		var err error
		capt, err = r.model.Forward(ctx, batch, reg)
		r.metrics.IncForwardPass()
		return err
	})
	if err != nil {
		if isCancellation(err) {
			return true, nil
		}
		return false, fmt.Errorf("capture pass at step %d: %w", step, err)
	}

	if !spec.MeasureDeltaLoss || len(perturbed) == 0 {
		return false, nil
	}

	base, err := r.model.Forward(ctx, batch, hooks.NewRegistry())
	r.metrics.IncForwardPass()
	if err != nil {
		if isCancellation(err) {
			return true, nil
		}
		return false, fmt.Errorf("base pass at step %d: %w", step, err)
	}

	for _, ls := range perturbed {
		var pass model.ForwardResult
		if len(perturbed) == 1 {
			// The capture pass carried exactly this perturbation.
			pass = capt
		} else {
			iso := hooks.NewRegistry()
			point := hooks.HookPoint{LayerIndex: ls.Layer, Component: spec.Component}
			if _, err := iso.Attach(point, nil, ls.Perturbation); err != nil {
				return false, err
			}
			pass, err = r.model.Forward(ctx, batch, iso)
			r.metrics.IncForwardPass()
			if err != nil {
				if isCancellation(err) {
					return true, nil
				}
				return false, fmt.Errorf("isolation pass for layer %d at step %d: %w", ls.Layer, step, err)
			}
		}
		deltaSums[ls.Layer] += r.deltaLoss(base.TokenLosses, pass.TokenLosses)
		deltaCounts[ls.Layer]++
	}
	return false, nil
}

// observe applies the Bernoulli keep decision and offers the kept
// activation to the layer's buffer, then holds the global byte budget.
func (r *Runner) observe(spec Spec, buf *SampleBuffer, keep *rand.Rand, act hooks.Activation,
	step, seqBase int, layers []int, buffers map[int]*SampleBuffer, res *Result) {

	res.TokensSeen++
	r.metrics.AddTokensSeen(1)

	if keep.Float64() >= spec.SamplingRate {
		return
	}

	kept, grew := buf.Offer(Sample{
		TokenID:  act.TokenID,
		Position: act.Position,
		Step:     step,
		Sequence: seqBase + act.Sequence,
		Vector:   act.Vector,
	})
	if !kept {
		return
	}
	res.TokensKept++
	r.metrics.AddTokensKept(1)
	if !grew {
		r.metrics.IncReservoirReplacement()
		return
	}

	if spec.ByteBudget > 0 {
		r.enforceBudget(spec, layers, buffers, res)
	}
}

// enforceBudget evicts from the largest buffer until the combined byte
// footprint fits the budget. Ties go to the lowest layer index so runs
// stay reproducible.
func (r *Runner) enforceBudget(spec Spec, layers []int, buffers map[int]*SampleBuffer, res *Result) {
	total := int64(0)
	for _, l := range layers {
		total += buffers[l].ByteSize()
	}

	for total > spec.ByteBudget {
		var largest *SampleBuffer
		var largestSize int64
		for _, l := range layers {
			if size := buffers[l].ByteSize(); size > largestSize {
				largest = buffers[l]
				largestSize = size
			}
		}
		if largest == nil || !largest.EvictOldest() {
			return
		}
		total -= largestSize - largest.ByteSize()
		res.Evictions++
		r.metrics.IncBudgetEviction()
		r.events.Log(map[string]any{
			"event":     "buffer_evict",
			"layer":     largest.Layer(),
			"remaining": largest.Len(),
		})
	}
}

func perturbedLayers(spec Spec) []LayerSpec {
	out := make([]LayerSpec, 0, len(spec.Layers))
	for _, ls := range spec.Layers {
		if ls.Perturbation.Kind() != perturb.KindNone {
			out = append(out, ls)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out
}

func trimBatch(batch [][]int, spec Spec, sequencesDone int) [][]int {
	if spec.MaxSequences > 0 {
		if remaining := spec.MaxSequences - sequencesDone; len(batch) > remaining {
			batch = batch[:remaining]
		}
	}
	if spec.MaxTokensPerSequence > 0 {
		trimmed := make([][]int, len(batch))
		for i, seq := range batch {
			if len(seq) > spec.MaxTokensPerSequence {
				seq = seq[:spec.MaxTokensPerSequence]
			}
			trimmed[i] = seq
		}
		batch = trimmed
	}
	return batch
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

const (
	saltReservoir = 0x9e3779b97f4a7c15
	saltKeep      = 0x85ebca6b0b6e3d4f
)

// mixSeed derives a per-layer stream seed so each layer's sampling
// decisions are independent of which other layers are attached.
func mixSeed(seed int64, layer int, salt uint64) int64 {
	z := uint64(seed) ^ (uint64(layer)+1)*0xbf58476d1ce4e5b9 ^ salt
	z ^= z >> 30
	z *= 0xbf58476d1ce4e5b9
	z ^= z >> 27
	z *= 0x94d049bb133111eb
	z ^= z >> 31
	return int64(z)
}
