package vm

import (
	"fmt"
	"math"

	"github.com/jbweber/anvil/internal/errdefs"
)

// ValidateMemorySizeMB rejects non-positive memory sizes.
func ValidateMemorySizeMB(mb int) error {
	if mb <= 0 {
		return fmt.Errorf("%w: memory size must be greater than 0 MB, got %d", errdefs.ErrInvalidArgument, mb)
	}
	return nil
}

// ValidateCPUCount rejects non-positive CPU counts.
func ValidateCPUCount(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: cpu count must be greater than 0, got %d", errdefs.ErrInvalidArgument, n)
	}
	return nil
}

// ValidateStorageSizeMB rejects non-positive storage sizes.
func ValidateStorageSizeMB(mb int) error {
	if mb <= 0 {
		return fmt.Errorf("%w: storage size must be greater than 0 MB, got %d", errdefs.ErrInvalidArgument, mb)
	}
	return nil
}

// ValidatePort checks that port fits a non-zero uint16 and converts it.
func ValidatePort(port int) (uint16, error) {
	if port <= 0 || port > math.MaxUint16 {
		return 0, fmt.Errorf("%w: port must be between 1 and %d, got %d", errdefs.ErrInvalidArgument, math.MaxUint16, port)
	}
	return uint16(port), nil
}

// ValidatePorts applies ValidatePort to every element.
func ValidatePorts(ports []int) ([]uint16, error) {
	out := make([]uint16, 0, len(ports))
	for _, p := range ports {
		v, err := ValidatePort(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ValidatePortForwarding checks a NAT rule before it reaches the backend.
func ValidatePortForwarding(rule PortForwarding) error {
	if rule.RuleName == "" {
		return fmt.Errorf("%w: port forwarding rule name is required", errdefs.ErrInvalidArgument)
	}
	switch rule.Protocol {
	case "tcp", "udp":
	default:
		return fmt.Errorf("%w: port forwarding protocol must be tcp or udp, got %q", errdefs.ErrInvalidArgument, rule.Protocol)
	}
	if rule.HostPort == 0 || rule.GuestPort == 0 {
		return fmt.Errorf("%w: port forwarding %q needs non-zero host and guest ports", errdefs.ErrInvalidArgument, rule.RuleName)
	}
	return nil
}

// ValidateVideoMode rejects modes with non-positive dimensions.
func ValidateVideoMode(mode VideoMode) error {
	if mode.Width <= 0 || mode.Height <= 0 || mode.Depth <= 0 {
		return fmt.Errorf("%w: video mode %dx%dx%d must have positive dimensions",
			errdefs.ErrInvalidArgument, mode.Width, mode.Height, mode.Depth)
	}
	return nil
}
