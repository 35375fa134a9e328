// Package export serializes run artifacts for offline analysis: layer
// activation samples as Arrow IPC files and run summaries as JSON.
package export

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/glassbox-ml/glassbox/internal/sampling"
)

// arrowBatchRows bounds record batch size so large buffers stream out in
// chunks instead of one giant allocation.
const arrowBatchRows = 4096

func activationSchema(dim int, runID string, layer int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"run_id", "layer_index", "hidden_dim"},
		[]string{runID, strconv.Itoa(layer), strconv.Itoa(dim)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "token_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "sequence", Type: arrow.PrimitiveTypes.Int64},
		{Name: "sequence_position", Type: arrow.PrimitiveTypes.Int32},
		{Name: "batch_step", Type: arrow.PrimitiveTypes.Int64},
		{Name: "activation", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float64)},
	}, &md)
}

// WriteArrow writes a layer's retained samples as an Arrow IPC file with
// one row per sample, ordered by capture time. Run id and layer index
// travel in the schema metadata.
func WriteArrow(w io.Writer, runID string, buf *sampling.SampleBuffer) error {
	samples := buf.Samples()
	if len(samples) == 0 {
		return fmt.Errorf("layer %d has no samples to export", buf.Layer())
	}
	dim := len(samples[0].Vector)
	schema := activationSchema(dim, runID, buf.Layer())

	pool := memory.NewGoAllocator()
	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err != nil {
		return fmt.Errorf("failed to open arrow writer: %w", err)
	}

	rb := array.NewRecordBuilder(pool, schema)
	defer rb.Release()
	tokens := rb.Field(0).(*array.Int64Builder)
	sequences := rb.Field(1).(*array.Int64Builder)
	positions := rb.Field(2).(*array.Int32Builder)
	steps := rb.Field(3).(*array.Int64Builder)
	activations := rb.Field(4).(*array.FixedSizeListBuilder)
	values := activations.ValueBuilder().(*array.Float64Builder)

	flush := func() error {
		rec := rb.NewRecord()
		defer rec.Release()
		return fw.Write(rec)
	}

	for i, s := range samples {
		if len(s.Vector) != dim {
			return fmt.Errorf("layer %d sample %d has dim %d, want %d", buf.Layer(), i, len(s.Vector), dim)
		}
		tokens.Append(int64(s.TokenID))
		sequences.Append(int64(s.Sequence))
		positions.Append(int32(s.Position))
		steps.Append(int64(s.Step))
		activations.Append(true)
		values.AppendValues(s.Vector, nil)

		if (i+1)%arrowBatchRows == 0 {
			if err := flush(); err != nil {
				return fmt.Errorf("failed to write arrow batch: %w", err)
			}
		}
	}
	if len(samples)%arrowBatchRows != 0 {
		if err := flush(); err != nil {
			return fmt.Errorf("failed to write arrow batch: %w", err)
		}
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to finalize arrow file: %w", err)
	}
	return nil
}

// ReadArrow loads samples back from an Arrow IPC file written by
// WriteArrow. It returns the samples in file order plus the layer index
// recorded in the schema metadata.
func ReadArrow(r ipc.ReadAtSeeker) ([]sampling.Sample, int, error) {
	fr, err := ipc.NewFileReader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open arrow file: %w", err)
	}
	defer fr.Close()

	layer := 0
	md := fr.Schema().Metadata()
	if idx := md.FindKey("layer_index"); idx >= 0 {
		if v, err := strconv.Atoi(md.Values()[idx]); err == nil {
			layer = v
		}
	}

	var out []sampling.Sample
	for {
		rec, err := fr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read arrow batch: %w", err)
		}

		tokens := rec.Column(0).(*array.Int64)
		sequences := rec.Column(1).(*array.Int64)
		positions := rec.Column(2).(*array.Int32)
		steps := rec.Column(3).(*array.Int64)
		lists := rec.Column(4).(*array.FixedSizeList)
		dim := int(lists.DataType().(*arrow.FixedSizeListType).Len())
		values := lists.ListValues().(*array.Float64)

		for row := 0; row < int(rec.NumRows()); row++ {
			vec := make([]float64, dim)
			for j := 0; j < dim; j++ {
				vec[j] = values.Value(row*dim + j)
			}
			out = append(out, sampling.Sample{
				TokenID:  int(tokens.Value(row)),
				Sequence: int(sequences.Value(row)),
				Position: int(positions.Value(row)),
				Step:     int(steps.Value(row)),
				Vector:   vec,
			})
		}
	}
	return out, layer, nil
}
