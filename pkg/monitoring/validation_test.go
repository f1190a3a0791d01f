package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

func TestValidateHealthCheckConfig(t *testing.T) {
	runOptions := HealthCheckRunOptions{Interval: 10 * time.Second, Timeout: time.Second}

	tests := []struct {
		name      string
		config    HealthCheckConfig
		shouldErr bool
	}{
		{
			name:   "none_is_valid",
			config: HealthCheckConfig{},
		},
		{
			name:   "valid_http",
			config: HealthCheckConfig{Type: HealthCheckTypeHTTP, HTTP: HTTPHealthCheckConfig{URL: "http://localhost/health"}, RunOptions: runOptions},
		},
		{
			name:      "http_without_url",
			config:    HealthCheckConfig{Type: HealthCheckTypeHTTP, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:   "grpc_without_service",
			config: HealthCheckConfig{Type: HealthCheckTypeGRPC, GRPC: GRPCHealthCheckConfig{Address: "localhost:50051"}, RunOptions: runOptions},
		},
		{
			name:      "tcp_bad_port",
			config:    HealthCheckConfig{Type: HealthCheckTypeTCP, TCP: TCPHealthCheckConfig{Address: "localhost", Port: 70000}, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "exec_without_command",
			config:    HealthCheckConfig{Type: HealthCheckTypeExec, RunOptions: runOptions},
			shouldErr: true,
		},
		{
			name:      "timeout_not_less_than_interval",
			config:    HealthCheckConfig{Type: HealthCheckTypeProcess, RunOptions: HealthCheckRunOptions{Interval: time.Second, Timeout: time.Second}},
			shouldErr: true,
		},
		{
			name:      "unsupported_type",
			config:    HealthCheckConfig{Type: "smoke", RunOptions: runOptions},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHealthCheckConfig(tt.config)

			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
