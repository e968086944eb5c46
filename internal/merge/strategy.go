package merge

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy selects how two trees are combined.
type Strategy string

const (
	StrategyResolve            Strategy = "resolve"
	StrategyRecursive          Strategy = "recursive"
	StrategySimpleTwoWayInCore Strategy = "simple-two-way-in-core"
	StrategyOurs               Strategy = "ours"
	StrategyTheirs             Strategy = "theirs"

	// DefaultStrategy is used when no strategy is requested.
	DefaultStrategy = StrategyRecursive
)

var (
	// ErrInvalidStrategy is returned for unknown strategy names.
	ErrInvalidStrategy = errors.New("invalid merge strategy")
	// ErrConflictsNotSupported is returned when conflicts are requested from a strategy that cannot record them.
	ErrConflictsNotSupported = errors.New("merge with conflicts is not supported with merge strategy")
)

// ParseStrategy resolves a strategy name. An empty name selects DefaultStrategy.
func ParseStrategy(name string) (Strategy, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return DefaultStrategy, nil
	}
	switch Strategy(trimmed) {
	case StrategyResolve, StrategyRecursive, StrategySimpleTwoWayInCore, StrategyOurs, StrategyTheirs:
		return Strategy(trimmed), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidStrategy, name)
	}
}

// SupportsConflictMaterialization reports whether the strategy produces per-file merge results.
func (s Strategy) SupportsConflictMaterialization() bool {
	return s == StrategyResolve || s == StrategyRecursive
}

// RequireConflictSupport fails when the strategy cannot materialize conflicts.
func (s Strategy) RequireConflictSupport() error {
	if s.SupportsConflictMaterialization() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConflictsNotSupported, s)
}

func (s Strategy) String() string {
	return string(s)
}
