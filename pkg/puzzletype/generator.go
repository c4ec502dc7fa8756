// Package puzzletype defines the plug-in boundary between ChallengeEngine's
// PoW machinery and the puzzle-specific visual/audio content a challenge
// carries alongside it. Each PuzzleType has at most one Generator; the core
// dispatches through the interface and never knows the content shape of a
// given type.
package puzzletype

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
)

type PuzzleType string

const (
	TypeGrid       PuzzleType = "grid"
	TypeJigsaw     PuzzleType = "jigsaw"
	TypeGesture    PuzzleType = "gesture"
	TypeUpsideDown PuzzleType = "upsideDown"
	TypeAudio      PuzzleType = "audio"
	TypeCheckbox   PuzzleType = "checkbox"
)

var ErrUnknownPuzzleType = errors.New("puzzletype: no generator registered for type")

// GenerationContext carries the information a generator needs to build
// content for one issuance. Difficulty is the effective (risk-adjusted)
// difficulty, not the ApiKey's base setting.
type GenerationContext struct {
	ChallengeID string
	Difficulty  int
}

// Generator produces and checks the puzzle-specific payload of a challenge.
// ServerAnswer is never sent to the client; ClientPayload is what the
// client renders. Validate must run in constant time with respect to the
// position of a mismatch so that timing cannot reveal which element of an
// array-shaped answer differed.
type Generator interface {
	Type() PuzzleType
	Generate(ctx context.Context, gctx GenerationContext) (clientPayload, serverAnswer json.RawMessage, err error)
	Validate(serverAnswer, submittedAnswer json.RawMessage) (bool, error)
}

// Registry dispatches by PuzzleType. It is built once at startup and is
// safe for concurrent read-only use thereafter.
type Registry struct {
	generators map[PuzzleType]Generator
}

func NewRegistry(generators ...Generator) *Registry {
	r := &Registry{generators: make(map[PuzzleType]Generator, len(generators))}
	for _, g := range generators {
		r.generators[g.Type()] = g
	}
	return r
}

func (r *Registry) Get(t PuzzleType) (Generator, error) {
	g, ok := r.generators[t]
	if !ok {
		return nil, ErrUnknownPuzzleType
	}
	return g, nil
}

func (r *Registry) Enabled() []PuzzleType {
	types := make([]PuzzleType, 0, len(r.generators))
	for t := range r.generators {
		types = append(types, t)
	}
	return types
}

// constantTimeIntSliceEqual compares two equal-length int slices without
// branching on the first mismatching index, so a validator built on top of
// it does not leak which position differed through timing.
func constantTimeIntSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}

	diff := 0
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return subtle.ConstantTimeEq(int32(diff), 0) == 1
}
