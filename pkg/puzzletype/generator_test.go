package puzzletype

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(GridGenerator{}, CheckboxGenerator{})

	if _, err := r.Get(TypeGrid); err != nil {
		t.Fatalf("expected grid generator registered: %v", err)
	}
	if _, err := r.Get(TypeCheckbox); err != nil {
		t.Fatalf("expected checkbox generator registered: %v", err)
	}
	if _, err := r.Get(TypeJigsaw); err != ErrUnknownPuzzleType {
		t.Fatalf("expected ErrUnknownPuzzleType for jigsaw, got %v", err)
	}

	enabled := r.Enabled()
	if len(enabled) != 2 {
		t.Fatalf("expected 2 enabled types, got %d", len(enabled))
	}
}

func TestGridGenerateAndValidate(t *testing.T) {
	g := GridGenerator{}
	ctx := context.Background()

	clientPayload, serverAnswer, err := g.Generate(ctx, GenerationContext{ChallengeID: "c1", Difficulty: 4})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var cp gridClientPayload
	if err := json.Unmarshal(clientPayload, &cp); err != nil {
		t.Fatalf("decoding client payload: %v", err)
	}
	if cp.Size != gridSize {
		t.Fatalf("expected size %d, got %d", gridSize, cp.Size)
	}

	var sa gridServerAnswer
	if err := json.Unmarshal(serverAnswer, &sa); err != nil {
		t.Fatalf("decoding server answer: %v", err)
	}
	if len(sa.Cells) != gridPickSize {
		t.Fatalf("expected %d picked cells, got %d", gridPickSize, len(sa.Cells))
	}

	ok, err := g.Validate(serverAnswer, serverAnswer)
	if err != nil || !ok {
		t.Fatalf("expected matching answer to validate: ok=%v err=%v", ok, err)
	}

	wrong, _ := json.Marshal(gridServerAnswer{Cells: []int{100, 101, 102}})
	if ok, err := g.Validate(serverAnswer, wrong); err != nil || ok {
		t.Fatalf("expected mismatched answer to fail validation: ok=%v err=%v", ok, err)
	}
}

func TestCheckboxGenerateAndValidate(t *testing.T) {
	g := CheckboxGenerator{}
	ctx := context.Background()

	_, serverAnswer, err := g.Generate(ctx, GenerationContext{ChallengeID: "c1", Difficulty: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	submitted, _ := json.Marshal(map[string]bool{"checked": true})
	ok, err := g.Validate(serverAnswer, submitted)
	if err != nil || !ok {
		t.Fatalf("expected checked=true to validate: ok=%v err=%v", ok, err)
	}

	unchecked, _ := json.Marshal(map[string]bool{"checked": false})
	ok, err = g.Validate(serverAnswer, unchecked)
	if err != nil || ok {
		t.Fatalf("expected checked=false to fail validation: ok=%v err=%v", ok, err)
	}
}
