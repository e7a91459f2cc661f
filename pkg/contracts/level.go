package contracts

import (
	"fmt"
	"strings"
)

// Level represents a qualitative risk level derived from a matrix lookup
// or the additive fallback rule.
type Level string

// Level constants, ordered from least to most severe.
const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Levels lists all valid levels in ascending severity order.
func Levels() []Level {
	return []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}
}

// Rank returns the severity rank of the level (1 = LOW .. 4 = CRITICAL).
// Unknown levels rank 0.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether the level is one of the declared constants.
func (l Level) Valid() bool {
	return l.Rank() > 0
}

// Canonical upper-cases the level so configuration files may spell levels
// in either case.
func (l Level) Canonical() Level {
	return Level(strings.ToUpper(string(l)))
}

// ParseLevel parses a level string case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("contracts: unknown risk level %q", s)
	}
	return l, nil
}
