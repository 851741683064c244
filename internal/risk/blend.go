package risk

import (
	"fmt"
	"math"
	"strings"
)

// Blend combines the heuristic score with a model score.
type Blend func(heuristic, llm int) int

// Blend strategy names accepted by ParseBlend.
const (
	BlendMax      = "max"
	BlendWeighted = "weighted"
	BlendLLM      = "llm"
)

// Max keeps the higher of the two scores.
func Max() Blend {
	return func(heuristic, llm int) int {
		if llm > heuristic {
			return llm
		}
		return heuristic
	}
}

// Weighted returns w*llm + (1-w)*heuristic, rounded. w is clamped to [0,1].
func Weighted(w float64) Blend {
	w = math.Max(0, math.Min(1, w))
	return func(heuristic, llm int) int {
		return int(math.Round(w*float64(llm) + (1-w)*float64(heuristic)))
	}
}

// LLMOnly ignores the heuristic score.
func LLMOnly() Blend {
	return func(_, llm int) int { return llm }
}

// ParseBlend resolves a strategy name. Empty selects max.
func ParseBlend(name string, weight float64) (Blend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BlendMax:
		return Max(), nil
	case BlendWeighted:
		if weight < 0 || weight > 1 {
			return nil, fmt.Errorf("blend weight must be in [0,1], got %v", weight)
		}
		return Weighted(weight), nil
	case BlendLLM:
		return LLMOnly(), nil
	default:
		return nil, fmt.Errorf("unknown blend strategy %q (valid: max, weighted, llm)", name)
	}
}
