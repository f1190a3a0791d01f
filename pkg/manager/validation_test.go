package manager

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		shouldErr bool
	}{
		{"valid_simple", "plugin-1", false},
		{"valid_with_underscore", "plugin_1", false},
		{"valid_alphanumeric", "plugin123", false},
		{"empty_id", "", true},
		{"too_long", strings.Repeat("a", 65), true},
		{"invalid_chars", "plugin@1", true},
		{"invalid_space", "plugin 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)

			if tt.shouldErr {
				assert.Error(t, err)
				var domainErr *errors.DomainError
				assert.ErrorAs(t, err, &domainErr)
				assert.Equal(t, errors.ErrorTypeValidation, domainErr.Type)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		name      string
		port      int
		shouldErr bool
	}{
		{"valid_port", 8080, false},
		{"port_1", 1, false},
		{"port_65535", 65535, false},
		{"port_0", 0, true},
		{"port_negative", -1, true},
		{"port_too_high", 65536, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePort(tt.port)

			if tt.shouldErr {
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNetworkAddress(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		shouldErr bool
	}{
		{"valid_localhost", "localhost:8080", false},
		{"valid_ip", "127.0.0.1:8080", false},
		{"all_interfaces", ":8080", false},
		{"empty_address", "", true},
		{"no_port", "localhost", true},
		{"invalid_port", "localhost:abc", true},
		{"port_too_high", "localhost:65536", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNetworkAddress(tt.address)

			if tt.shouldErr {
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
