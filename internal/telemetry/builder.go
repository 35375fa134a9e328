package telemetry

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Builder assembles a RunSummary incrementally. Layer writes are
// idempotent upserts keyed by layer index: replaying a layer replaces
// its entry instead of duplicating it. Not safe for concurrent use.
type Builder struct {
	summary RunSummary
}

// NewBuilder starts a summary for the given run. An empty runID is
// replaced with a fresh UUID.
func NewBuilder(runID, modelName string) *Builder {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Builder{summary: RunSummary{
		RunID:     runID,
		ModelName: modelName,
		CreatedAt: time.Now().UTC(),
	}}
}

// RunID returns the summary's run id.
func (b *Builder) RunID() string { return b.summary.RunID }

// SetDescription sets the free-form run description.
func (b *Builder) SetDescription(desc string) {
	b.summary.Description = desc
}

// AddAdapter records an adapter id. Duplicates collapse; ordering is
// fixed at Finish.
func (b *Builder) AddAdapter(id string) {
	if id == "" {
		return
	}
	for _, have := range b.summary.AdapterIDs {
		if have == id {
			return
		}
	}
	b.summary.AdapterIDs = append(b.summary.AdapterIDs, id)
}

// PutLayer upserts a layer's telemetry. An existing entry for the same
// layer index is replaced wholesale, warnings included.
func (b *Builder) PutLayer(lt LayerTelemetry) {
	for i := range b.summary.Layers {
		if b.summary.Layers[i].LayerIndex == lt.LayerIndex {
			b.summary.Layers[i] = lt
			return
		}
	}
	b.summary.Layers = append(b.summary.Layers, lt)
}

// AddTimelinePoint appends a scalar trace entry.
func (b *Builder) AddTimelinePoint(p TimelinePoint) {
	b.summary.Timeline = append(b.summary.Timeline, p)
}

// SetAlignment attaches alignment info and flags every layer that has
// a scored mode left out of the mode map, marking its telemetry as
// degraded by the similarity floor.
func (b *Builder) SetAlignment(info *AlignmentInfo) {
	b.summary.AttachAlignment(info)
}

// Finish orders layers and adapters deterministically, validates the
// assembled summary, and returns a snapshot of it. The builder may keep
// upserting afterwards; later writes never reach an already returned
// summary, and each Finish re-validates the current state.
func (b *Builder) Finish() (*RunSummary, error) {
	sort.Slice(b.summary.Layers, func(i, j int) bool {
		return b.summary.Layers[i].LayerIndex < b.summary.Layers[j].LayerIndex
	})
	sort.Strings(b.summary.AdapterIDs)
	sort.SliceStable(b.summary.Timeline, func(i, j int) bool {
		if b.summary.Timeline[i].Step != b.summary.Timeline[j].Step {
			return b.summary.Timeline[i].Step < b.summary.Timeline[j].Step
		}
		return b.summary.Timeline[i].LayerIndex < b.summary.Timeline[j].LayerIndex
	})

	if err := b.summary.Validate(); err != nil {
		return nil, fmt.Errorf("assembling run %s: %w", b.summary.RunID, err)
	}

	out := b.summary
	out.Layers = append([]LayerTelemetry(nil), b.summary.Layers...)
	out.AdapterIDs = append([]string(nil), b.summary.AdapterIDs...)
	out.Timeline = append([]TimelinePoint(nil), b.summary.Timeline...)
	return &out, nil
}
