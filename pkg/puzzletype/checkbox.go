package puzzletype

import (
	"context"
	"encoding/json"
)

type checkboxAnswer struct {
	Checked bool `json:"checked"`
}

// CheckboxGenerator is the degenerate puzzle: a single "I am human"
// acknowledgement with no content of its own to hide or render. Its
// correctness is gated entirely by the PoW solve that accompanies every
// challenge, so Validate only checks that the box was actually ticked.
type CheckboxGenerator struct{}

var _ Generator = CheckboxGenerator{}

func (CheckboxGenerator) Type() PuzzleType { return TypeCheckbox }

func (CheckboxGenerator) Generate(ctx context.Context, gctx GenerationContext) (json.RawMessage, json.RawMessage, error) {
	want, err := json.Marshal(checkboxAnswer{Checked: true})
	if err != nil {
		return nil, nil, err
	}
	return json.RawMessage(`{}`), want, nil
}

func (CheckboxGenerator) Validate(serverAnswer, submittedAnswer json.RawMessage) (bool, error) {
	var want, got checkboxAnswer
	if err := json.Unmarshal(serverAnswer, &want); err != nil {
		return false, err
	}
	if err := json.Unmarshal(submittedAnswer, &got); err != nil {
		return false, nil
	}
	return want.Checked == got.Checked, nil
}
