package config

import (
	"errors"
	"fmt"
)

const (
	MinPort = 1
	MaxPort = 65535
)

var ErrPortOutOfRange = errors.New("port must be between 1 and 65535")

// ErrConfigConflict is matched by every *ConflictError.
var ErrConfigConflict = errors.New("configuration conflict")

// ConflictError reports two model names claiming the same fixed port.
type ConflictError struct {
	Port   int
	Model  string
	HeldBy string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("port %d for %q is already assigned to %q", e.Port, e.Model, e.HeldBy)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConfigConflict
}

// ValidatePort checks the TCP port range.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: got %d", ErrPortOutOfRange, port)
	}
	return nil
}

// ValidateRules checks every rule port and that no two different models
// share a fixed port. Duplicate entries for the same model are tolerated;
// the first one wins when rules are applied.
func ValidateRules(rules []PortMappingRule) error {
	owners := make(map[int]string, len(rules))
	for _, r := range rules {
		if r.FixedPort == 0 {
			continue
		}
		if err := ValidatePort(r.FixedPort); err != nil {
			return fmt.Errorf("rule %q: %w", r.ModelNamePattern, err)
		}
		if holder, ok := owners[r.FixedPort]; ok && holder != r.ModelNamePattern {
			return &ConflictError{Port: r.FixedPort, Model: r.ModelNamePattern, HeldBy: holder}
		}
		owners[r.FixedPort] = r.ModelNamePattern
	}
	return nil
}

// SuggestPort returns the first port at or above start for which inUse is
// false, or 0 when the range is exhausted.
func SuggestPort(start int, inUse func(port int) bool) int {
	if start < MinPort {
		start = DefaultFixedPort
	}
	for port := start; port <= MaxPort; port++ {
		if !inUse(port) {
			return port
		}
	}
	return 0
}
