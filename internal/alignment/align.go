// Package alignment matches layers and residual modes between two runs,
// producing the correspondence maps a comparison view renders. Matching
// is greedy, highest similarity first, and fully deterministic: equal
// scores resolve to the lower layer or mode index.
package alignment

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/glassbox-ml/glassbox/internal/telemetry"
	"github.com/glassbox-ml/glassbox/internal/vecmath"
)

// DefaultSimilarityFloor is the minimum mode similarity for an entry in
// mode_map. Scores below it are still recorded in mode_scores.
const DefaultSimilarityFloor = 0.5

// Options configures the engine.
type Options struct {
	// SimilarityFloor gates mode_map entries; 0 selects the default.
	SimilarityFloor float64
	// TopModes caps how many leading modes per layer participate in
	// matching; 0 means all.
	TopModes int

	Logger *slog.Logger
}

// Engine aligns pairs of run summaries.
type Engine struct {
	floor    float64
	topModes int
	log      *slog.Logger
}

// NewEngine creates an alignment engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		floor:    opts.SimilarityFloor,
		topModes: opts.TopModes,
		log:      opts.Logger,
	}
	if e.floor <= 0 {
		e.floor = DefaultSimilarityFloor
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// ModeKey is the "layer:mode" form used by mode_map and mode_scores.
func ModeKey(layer, mode int) string {
	return fmt.Sprintf("%d:%d", layer, mode)
}

// Align matches src's layers and modes onto dst. Runs of the same model
// pair layers by identity; otherwise layers pair greedily by signature
// similarity. Every mode ends up either in mode_map with its
// counterpart or as a residual variety point; no mode is dropped.
func (e *Engine) Align(src, dst *telemetry.RunSummary) (*telemetry.AlignmentInfo, error) {
	if src == nil || dst == nil {
		return nil, errors.New("alignment requires two run summaries")
	}

	info := &telemetry.AlignmentInfo{
		SourceRunID: src.RunID,
		TargetRunID: dst.RunID,
		SourceModel: src.ModelName,
		TargetModel: dst.ModelName,
		LayerMap:    make(map[int]int),
		LayerScores: make(map[int]float64),
		ModeMap:     make(map[string]string),
		ModeScores:  make(map[string]float64),
	}

	pairs := e.pairLayers(src, dst)

	matchedSrc := make(map[int]bool, len(pairs))
	matchedDst := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		info.LayerMap[p.src.LayerIndex] = p.dst.LayerIndex
		info.LayerScores[p.src.LayerIndex] = p.score
		matchedSrc[p.src.LayerIndex] = true
		matchedDst[p.dst.LayerIndex] = true
		e.matchModes(p.src, p.dst, info)
	}

	// Modes on layers with no counterpart are variety by definition.
	for i := range src.Layers {
		if !matchedSrc[src.Layers[i].LayerIndex] {
			e.spillVariety(&src.Layers[i], info)
		}
	}
	for i := range dst.Layers {
		if !matchedDst[dst.Layers[i].LayerIndex] {
			e.spillVariety(&dst.Layers[i], info)
		}
	}

	e.log.Debug("alignment complete",
		"source", src.RunID,
		"target", dst.RunID,
		"layers_matched", len(info.LayerMap),
		"modes_matched", len(info.ModeMap),
		"variety_points", len(info.ResidualVarietyPoints))
	return info, nil
}

type layerPair struct {
	src, dst *telemetry.LayerTelemetry
	score    float64
}

// pairLayers produces the matched layer pairs. Same-model runs pair by
// layer index; different models pair greedily by similarity, each
// target claimed once, zero-similarity pairs never claimed.
func (e *Engine) pairLayers(src, dst *telemetry.RunSummary) []layerPair {
	if src.ModelName == dst.ModelName {
		var pairs []layerPair
		for i := range src.Layers {
			s := &src.Layers[i]
			d := dst.Layer(s.LayerIndex)
			if d == nil {
				continue
			}
			pairs = append(pairs, layerPair{src: s, dst: d, score: e.layerSimilarity(s, d)})
		}
		return pairs
	}

	type candidate struct {
		si, di int
		score  float64
	}
	cands := make([]candidate, 0, len(src.Layers)*len(dst.Layers))
	for si := range src.Layers {
		for di := range dst.Layers {
			score := e.layerSimilarity(&src.Layers[si], &dst.Layers[di])
			if score > 0 {
				cands = append(cands, candidate{si: si, di: di, score: score})
			}
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].score != cands[b].score {
			return cands[a].score > cands[b].score
		}
		if cands[a].si != cands[b].si {
			return cands[a].si < cands[b].si
		}
		return cands[a].di < cands[b].di
	})

	usedSrc := make(map[int]bool, len(src.Layers))
	usedDst := make(map[int]bool, len(dst.Layers))
	var pairs []layerPair
	for _, c := range cands {
		if usedSrc[c.si] || usedDst[c.di] {
			continue
		}
		usedSrc[c.si] = true
		usedDst[c.di] = true
		pairs = append(pairs, layerPair{src: &src.Layers[c.si], dst: &dst.Layers[c.di], score: c.score})
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].src.LayerIndex < pairs[b].src.LayerIndex })
	return pairs
}

// layerSimilarity scores two layers as the variance-weighted mean of
// their greedily matched mode similarities.
func (e *Engine) layerSimilarity(a, b *telemetry.LayerTelemetry) float64 {
	ma, mb := e.topOf(a), e.topOf(b)
	if len(ma) == 0 || len(mb) == 0 {
		return 0
	}

	assigned := greedyModePairs(ma, mb)
	var weighted, weights, plain float64
	for _, p := range assigned {
		w := math.Min(ma[p.ai].VarianceExplained, mb[p.bi].VarianceExplained)
		weighted += w * p.score
		weights += w
		plain += p.score
	}
	if weights > 0 {
		return weighted / weights
	}
	if len(assigned) > 0 {
		return plain / float64(len(assigned))
	}
	return 0
}

// matchModes fills mode_scores for every source mode and mode_map for
// pairs at or above the floor. Matched modes contribute explained
// points; everything unmatched on either side becomes variety.
func (e *Engine) matchModes(src, dst *telemetry.LayerTelemetry, info *telemetry.AlignmentInfo) {
	ma, mb := e.topOf(src), e.topOf(dst)

	// Best candidate score per source mode, matched or not.
	for ai := range ma {
		best := 0.0
		for bi := range mb {
			if s := modeSimilarity(&ma[ai], &mb[bi]); s > best {
				best = s
			}
		}
		info.ModeScores[ModeKey(src.LayerIndex, ma[ai].ModeIndex)] = best
	}

	usedA := make(map[int]bool, len(ma))
	usedB := make(map[int]bool, len(mb))
	for _, p := range greedyModePairs(ma, mb) {
		if p.score < e.floor {
			break
		}
		usedA[p.ai] = true
		usedB[p.bi] = true
		info.ModeMap[ModeKey(src.LayerIndex, ma[p.ai].ModeIndex)] = ModeKey(dst.LayerIndex, mb[p.bi].ModeIndex)
		info.ExplainedPoints = append(info.ExplainedPoints, modePoint(&ma[p.ai]))
	}

	for ai := range ma {
		if !usedA[ai] {
			info.ResidualVarietyPoints = append(info.ResidualVarietyPoints, modePoint(&ma[ai]))
		}
	}
	for bi := range mb {
		if !usedB[bi] {
			info.ResidualVarietyPoints = append(info.ResidualVarietyPoints, modePoint(&mb[bi]))
		}
	}
}

func (e *Engine) spillVariety(lt *telemetry.LayerTelemetry, info *telemetry.AlignmentInfo) {
	for i := range e.topOf(lt) {
		mode := &lt.ResidualModes[i]
		info.ModeScores[ModeKey(lt.LayerIndex, mode.ModeIndex)] = 0
		info.ResidualVarietyPoints = append(info.ResidualVarietyPoints, modePoint(mode))
	}
}

func (e *Engine) topOf(lt *telemetry.LayerTelemetry) []telemetry.ResidualMode {
	modes := lt.ResidualModes
	if e.topModes > 0 && len(modes) > e.topModes {
		modes = modes[:e.topModes]
	}
	return modes
}

type modePair struct {
	ai, bi int
	score  float64
}

// greedyModePairs assigns modes one-to-one, highest similarity first,
// ties to the lower mode index. Returned pairs are ordered by
// descending score.
func greedyModePairs(ma, mb []telemetry.ResidualMode) []modePair {
	cands := make([]modePair, 0, len(ma)*len(mb))
	for ai := range ma {
		for bi := range mb {
			cands = append(cands, modePair{ai: ai, bi: bi, score: modeSimilarity(&ma[ai], &mb[bi])})
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].score != cands[b].score {
			return cands[a].score > cands[b].score
		}
		if cands[a].ai != cands[b].ai {
			return cands[a].ai < cands[b].ai
		}
		return cands[a].bi < cands[b].bi
	})

	usedA := make(map[int]bool, len(ma))
	usedB := make(map[int]bool, len(mb))
	out := make([]modePair, 0, len(ma))
	for _, c := range cands {
		if usedA[c.ai] || usedB[c.bi] {
			continue
		}
		usedA[c.ai] = true
		usedB[c.bi] = true
		out = append(out, c)
	}
	return out
}

// modeSimilarity compares two modes: absolute direction cosine when the
// runs share an activation space, otherwise the ratio of explained
// variances as a shape proxy.
func modeSimilarity(a, b *telemetry.ResidualMode) float64 {
	if len(a.Direction) > 0 && len(a.Direction) == len(b.Direction) {
		return math.Abs(vecmath.CosineSimilarity(a.Direction, b.Direction))
	}
	va, vb := a.VarianceExplained, b.VarianceExplained
	if va <= 0 || vb <= 0 {
		return 0
	}
	if va < vb {
		return va / vb
	}
	return vb / va
}

// modePoint places a mode in the shared projection plane for the
// variety and explained point clouds.
func modePoint(m *telemetry.ResidualMode) []float64 {
	if m.SemanticRegion != nil && len(m.SemanticRegion.Centroid) >= 2 {
		return []float64{m.SemanticRegion.Centroid[0], m.SemanticRegion.Centroid[1]}
	}
	if len(m.ProjectionCoords2D) > 0 {
		c := vecmath.Mean(m.ProjectionCoords2D)
		if len(c) >= 2 {
			return []float64{c[0], c[1]}
		}
	}
	return []float64{0, 0}
}
