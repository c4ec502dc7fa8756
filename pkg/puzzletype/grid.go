package puzzletype

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/veriproof/engine/pkg/cryptoengine"
)

const (
	gridSize     = 5 // M: the grid is gridSize x gridSize cells
	gridPickSize = 3 // N: number of marked cells the client must identify
)

type gridClientPayload struct {
	Size int `json:"size"`
}

type gridServerAnswer struct {
	Cells []int `json:"cells"` // flattened row-major indices into a size*size grid, sorted ascending
}

// GridGenerator implements a "pick the N marked cells out of an M×M grid"
// puzzle. The correct cells never appear in the client-visible payload —
// only the grid dimensions do; the client's rendering layer is responsible
// for drawing the marks from a side channel out of this package's scope.
type GridGenerator struct{}

var _ Generator = GridGenerator{}

func (GridGenerator) Type() PuzzleType { return TypeGrid }

func (GridGenerator) Generate(ctx context.Context, gctx GenerationContext) (json.RawMessage, json.RawMessage, error) {
	total := gridSize * gridSize

	picked := make(map[int]struct{}, gridPickSize)
	for len(picked) < gridPickSize {
		idx, err := cryptoengine.RandomIntBelow(total)
		if err != nil {
			return nil, nil, fmt.Errorf("grid: picking cell: %w", err)
		}
		picked[idx] = struct{}{}
	}

	cells := make([]int, 0, gridPickSize)
	for idx := range picked {
		cells = append(cells, idx)
	}
	sort.Ints(cells)

	clientPayload, err := json.Marshal(gridClientPayload{Size: gridSize})
	if err != nil {
		return nil, nil, err
	}
	serverAnswer, err := json.Marshal(gridServerAnswer{Cells: cells})
	if err != nil {
		return nil, nil, err
	}

	return clientPayload, serverAnswer, nil
}

func (GridGenerator) Validate(serverAnswer, submittedAnswer json.RawMessage) (bool, error) {
	var want gridServerAnswer
	if err := json.Unmarshal(serverAnswer, &want); err != nil {
		return false, fmt.Errorf("grid: decoding server answer: %w", err)
	}

	var got gridServerAnswer
	if err := json.Unmarshal(submittedAnswer, &got); err != nil {
		return false, nil // malformed submission is a validation failure, not an error
	}

	sort.Ints(got.Cells)
	return constantTimeIntSliceEqual(want.Cells, got.Cells), nil
}
