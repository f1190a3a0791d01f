package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		name     string
		template string
		expected string
		wantErr  bool
	}{
		{"plain", "search-1", "search-1", false},
		{"single", "{{instance_id}}", "search-1", false},
		{"spaces", "{{ plugin_id }}/{{instance_id}}", "search/search-1", false},
		{"missing", "{{nope}}", "", true},
	}

	fields := map[string]string{"instance_id": "search-1", "plugin_id": "search"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Expand(tt.template, fields)
			if tt.wantErr {
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"env", "region"}, Placeholders("{{env}}-{{ region }}-{{env}}"))
	assert.Empty(t, Placeholders("static"))
}
