package manager

import (
	"net"
	"strconv"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

// ValidateID validates plugin and instance ID format and constraints
func ValidateID(id string) error {
	if id == "" {
		return errors.NewValidationError("ID cannot be empty", nil)
	}

	if len(id) > 64 {
		return errors.NewValidationError("ID cannot exceed 64 characters", nil)
	}

	for _, char := range id {
		if !isValidIDChar(char) {
			return errors.NewValidationError("ID contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil).
				WithContext("id", id)
		}
	}

	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

// ValidateNetworkAddress validates a listen address. An empty host listens on
// every interface.
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
