package cryptonote

import (
	"fmt"
	"math/big"
	"strings"
)

// maxTarget is the all-ones 256-bit value used as the difficulty-1 reference.
var maxTarget, _ = new(big.Int).SetString(strings.Repeat("f", 64), 16)

// TargetToDifficulty converts a hexadecimal target threshold into its
// human-scaled difficulty (maxTarget / target). Targets of any hex length are
// treated as big integers. Degenerate input yields difficulty 1: the value is
// advisory, never safety-critical.
func TargetToDifficulty(target string) uint64 {
	diff, err := TargetToDifficultyStrict(target)
	if err != nil {
		return 1
	}
	return diff
}

// TargetToDifficultyStrict is TargetToDifficulty without the lenient
// fallback, for deployments that treat a missing or malformed target as a
// pool protocol error.
func TargetToDifficultyStrict(target string) (uint64, error) {
	target = strings.TrimPrefix(target, "0x")
	if target == "" {
		return 0, fmt.Errorf("empty target")
	}
	t, ok := new(big.Int).SetString(target, 16)
	if !ok {
		return 0, fmt.Errorf("invalid target %q", target)
	}
	if t.Sign() <= 0 {
		return 0, fmt.Errorf("non-positive target %q", target)
	}
	diff := new(big.Int).Quo(maxTarget, t)
	if !diff.IsUint64() {
		// Target below 2^192 or so; clamp rather than overflow.
		return ^uint64(0), nil
	}
	if diff.Uint64() == 0 {
		return 1, nil
	}
	return diff.Uint64(), nil
}
