package settings

import (
	"fmt"
	"strings"

	"github.com/jbweber/anvil/internal/errdefs"
)

// ValidationError lists every problem found in a document. Save returns it
// without writing anything.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "invalid settings document: " + strings.Join(e.Messages, "; ")
}

// Unwrap lets callers match ValidationError with errdefs.ErrInvalidArgument.
func (e *ValidationError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// Validate returns one human-readable message per problem in doc.
func Validate(doc *Document) []string {
	var msgs []string
	seen := make(map[string]int)

	for i, e := range doc.Engines {
		prefix := fmt.Sprintf("%s%d", keyEnginePrefix, i)

		if e.VirtualMachineName == "" {
			msgs = append(msgs, prefix+": VirtualMachineName is required")
		} else if first, dup := seen[e.VirtualMachineName]; dup {
			msgs = append(msgs, fmt.Sprintf("%s: virtual machine %q is already used by %s%d",
				prefix, e.VirtualMachineName, keyEnginePrefix, first))
		} else {
			seen[e.VirtualMachineName] = i
		}

		if msg := checkPort(e.SSHPort); msg != "" {
			msgs = append(msgs, prefix+": SshPort "+msg)
		}
		if msg := checkPort(e.WWWPort); msg != "" {
			msgs = append(msgs, prefix+": WwwPort "+msg)
		}
		if e.SSHTimeout < 0 {
			msgs = append(msgs, fmt.Sprintf("%s: SshTimeout must not be negative, got %d", prefix, e.SSHTimeout))
		}

		switch e.WWWProxyType {
		case "", ProxyDirect, ProxyAuto:
		case ProxyManual:
			if e.WWWProxyServers == "" {
				msgs = append(msgs, prefix+": WwwProxyServers is required for a manual proxy")
			}
		default:
			msgs = append(msgs, fmt.Sprintf("%s: unknown WwwProxyType %q (valid: %s, %s, %s)",
				prefix, e.WWWProxyType, ProxyDirect, ProxyAuto, ProxyManual))
		}

		targets := make(map[string]bool)
		for j, t := range e.BuildTargets {
			switch {
			case t.Name == "":
				msgs = append(msgs, fmt.Sprintf("%s.%s%d: Name is required", prefix, keyTargetPrefix, j))
			case targets[t.Name]:
				msgs = append(msgs, fmt.Sprintf("%s.%s%d: duplicate target %q", prefix, keyTargetPrefix, j, t.Name))
			default:
				targets[t.Name] = true
			}
		}
	}
	return msgs
}

// checkPort allows zero (unset) and otherwise requires a valid uint16.
func checkPort(port int) string {
	if port < 0 || port > 65535 {
		return fmt.Sprintf("must be between 1 and 65535, got %d", port)
	}
	return ""
}
