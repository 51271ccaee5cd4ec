package auth

import (
	"errors"
	"fmt"

	"github.com/carevisit/carevisit/internal/config"
)

// ErrPinPolicyViolation matches every *PinPolicyError under errors.Is
var ErrPinPolicyViolation = errors.New("pin policy violation")

// Pin policy rule identifiers, returned to clients as-is
const (
	PinRuleTooShort   = "too_short"
	PinRuleTooLong    = "too_long"
	PinRuleCharacters = "invalid_characters"
	PinRuleRepeated   = "repeated_characters"
	PinRuleSequential = "sequential_digits"
)

// PinPolicyError describes which PIN rule failed
type PinPolicyError struct {
	Rule    string
	Message string
}

func (e *PinPolicyError) Error() string {
	return "pin policy violation: " + e.Message
}

func (e *PinPolicyError) Is(target error) bool {
	return target == ErrPinPolicyViolation
}

// PinPolicy holds the rules a new PIN must satisfy
type PinPolicy struct {
	MinLength  int
	MaxLength  int
	DigitsOnly bool
}

// NewPinPolicy creates a PinPolicy from configuration
func NewPinPolicy(cfg config.PINConfig) PinPolicy {
	return PinPolicy{
		MinLength:  cfg.MinLength,
		MaxLength:  cfg.MaxLength,
		DigitsOnly: cfg.DigitsOnly,
	}
}

// Validate checks pin against the policy. It never hashes.
func (p PinPolicy) Validate(pin string) error {
	if len(pin) < p.MinLength {
		return &PinPolicyError{Rule: PinRuleTooShort, Message: fmt.Sprintf("pin must be at least %d characters", p.MinLength)}
	}
	if p.MaxLength > 0 && len(pin) > p.MaxLength {
		return &PinPolicyError{Rule: PinRuleTooLong, Message: fmt.Sprintf("pin must be at most %d characters", p.MaxLength)}
	}

	for i := 0; i < len(pin); i++ {
		c := pin[i]
		if isDigit(c) || (!p.DigitsOnly && isASCIILetter(c)) {
			continue
		}
		if p.DigitsOnly {
			return &PinPolicyError{Rule: PinRuleCharacters, Message: "pin must contain digits only"}
		}
		return &PinPolicyError{Rule: PinRuleCharacters, Message: "pin must contain letters and digits only"}
	}

	if isRepeatingChar(pin) {
		return &PinPolicyError{Rule: PinRuleRepeated, Message: "pin cannot be a single repeating character"}
	}
	if isSequential(pin) {
		return &PinPolicyError{Rule: PinRuleSequential, Message: "pin cannot be an ascending or descending sequence"}
	}
	return nil
}

func isDigit(c byte) bool       { return c >= '0' && c <= '9' }
func isASCIILetter(c byte) bool { return (c|0x20) >= 'a' && (c|0x20) <= 'z' }

func isRepeatingChar(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return len(s) > 0
}

// isSequential reports whether s is a run like 123456 or 987654
func isSequential(s string) bool {
	if len(s) < 3 {
		return false
	}
	for _, c := range []byte(s) {
		if !isDigit(c) {
			return false
		}
	}
	step := int(s[1]) - int(s[0])
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(s); i++ {
		if int(s[i])-int(s[i-1]) != step {
			return false
		}
	}
	return true
}
