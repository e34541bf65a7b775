package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func boolPtr(b bool) *bool { return &b }

func TestOverrideApply(t *testing.T) {
	tests := []struct {
		name     string
		base     Config
		override Override
		expected Config
	}{
		{
			name:     "nil fields keep base",
			base:     Config{AllowDowngrade: false, SkipTicket: true},
			override: Override{},
			expected: Config{AllowDowngrade: false, SkipTicket: true},
		},
		{
			name:     "non-nil field overrides base",
			base:     Config{AllowDowngrade: false},
			override: Override{AllowDowngrade: boolPtr(true)},
			expected: Config{AllowDowngrade: true},
		},
		{
			name: "multiple fields override independently",
			base: Config{SkipNcaHashVerify: false, LowerSystemVersion: false},
			override: Override{
				SkipNcaHashVerify:  boolPtr(true),
				LowerSystemVersion: boolPtr(true),
			},
			expected: Config{SkipNcaHashVerify: true, LowerSystemVersion: true},
		},
		{
			name:     "override false still applies over base true",
			base:     Config{TicketOnly: true},
			override: Override{TicketOnly: boolPtr(false)},
			expected: Config{TicketOnly: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.override.Apply(tt.base)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 19, cfg.HostOSVersionMajor)
	assert.False(t, cfg.AllowDowngrade)
	assert.False(t, cfg.SkipTicket)
}

func TestOverrideApplyDoesNotMutateBase(t *testing.T) {
	base := Config{AllowDowngrade: false}
	_ = Override{AllowDowngrade: boolPtr(true)}.Apply(base)
	assert.False(t, base.AllowDowngrade)
}
