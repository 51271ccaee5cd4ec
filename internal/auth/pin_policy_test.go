package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinPolicy_Validate(t *testing.T) {
	digits := PinPolicy{MinLength: 6, MaxLength: 12, DigitsOnly: true}
	mixed := PinPolicy{MinLength: 6, MaxLength: 12}

	tests := []struct {
		name   string
		policy PinPolicy
		pin    string
		rule   string
	}{
		{"valid", digits, "482913", ""},
		{"valid long", digits, "482913620571", ""},
		{"too short", digits, "48291", PinRuleTooShort},
		{"too long", digits, "4829136205713", PinRuleTooLong},
		{"letters in digit mode", digits, "48a913", PinRuleCharacters},
		{"space", digits, "482 913", PinRuleCharacters},
		{"unicode digit", digits, "٤٨٢٩١٣", PinRuleCharacters},
		{"repeated", digits, "777777", PinRuleRepeated},
		{"ascending", digits, "123456", PinRuleSequential},
		{"descending", digits, "987654", PinRuleSequential},
		{"mixed valid", mixed, "a8k2m9", ""},
		{"mixed symbol", mixed, "a8k2m!", PinRuleCharacters},
		{"mixed repeated", mixed, "aaaaaa", PinRuleRepeated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate(tt.pin)
			if tt.rule == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPinPolicyViolation)

			var perr *PinPolicyError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.rule, perr.Rule)
		})
	}
}
