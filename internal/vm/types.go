package vm

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// State is the runtime state of a virtual machine as last reported by the
// hypervisor.
type State int

const (
	// Unknown means the state could not be determined (probe failed or timed out).
	Unknown State = iota
	Stopped
	Starting
	Running
	Stopping
	Saved
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Saved:
		return "saved"
	default:
		return "unknown"
	}
}

// SharedPath identifies one of the host directories shared into a build engine.
type SharedPath int

const (
	SharedHome SharedPath = iota
	SharedTarget
	SharedConfig
	SharedSrc
	SharedSSH
)

// SharedPaths lists every SharedPath in persisted order.
var SharedPaths = []SharedPath{SharedHome, SharedTarget, SharedConfig, SharedSrc, SharedSSH}

// String returns the short role name, used for shared folder names.
func (p SharedPath) String() string {
	switch p {
	case SharedHome:
		return "home"
	case SharedTarget:
		return "target"
	case SharedConfig:
		return "config"
	case SharedSrc:
		return "src"
	case SharedSSH:
		return "ssh"
	default:
		return fmt.Sprintf("shared(%d)", int(p))
	}
}

// ParseSharedPath is the inverse of SharedPath.String.
func ParseSharedPath(s string) (SharedPath, error) {
	for _, p := range SharedPaths {
		if p.String() == strings.ToLower(s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown shared path %q (valid: home, target, config, src, ssh)", s)
}

// ReservedPort is a single port forwarding the engine depends on.
type ReservedPort int

const (
	SSHPort ReservedPort = iota
	WWWPort
)

// String returns the reserved port role.
func (p ReservedPort) String() string {
	switch p {
	case SSHPort:
		return "ssh"
	case WWWPort:
		return "www"
	default:
		return fmt.Sprintf("reserved(%d)", int(p))
	}
}

// ReservedPortList is a family of port forwardings managed as a group.
type ReservedPortList int

const (
	QmlLivePorts ReservedPortList = iota
)

// String returns the port list role.
func (l ReservedPortList) String() string {
	switch l {
	case QmlLivePorts:
		return "qmllive"
	default:
		return fmt.Sprintf("reservedlist(%d)", int(l))
	}
}

const (
	// DefaultQmlLivePort is the first port of the QmlLive range.
	DefaultQmlLivePort = 10234

	// MaxQmlLivePorts bounds the number of QmlLive forwardings per engine.
	MaxQmlLivePorts = 10
)

// PortForwarding is a host-to-guest NAT rule.
type PortForwarding struct {
	RuleName  string
	Protocol  string
	HostPort  uint16
	GuestPort uint16
}

// VideoMode is the guest display resolution.
type VideoMode struct {
	Width  int
	Height int
	Depth  int
}

// String formats the mode as WIDTHxHEIGHTxDEPTH.
func (m VideoMode) String() string {
	if m.IsZero() {
		return ""
	}
	return fmt.Sprintf("%dx%dx%d", m.Width, m.Height, m.Depth)
}

// IsZero reports whether no mode is set.
func (m VideoMode) IsZero() bool {
	return m == VideoMode{}
}

// ParseVideoMode parses "1280x800x32". The depth defaults to 32 when omitted.
func ParseVideoMode(s string) (VideoMode, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 && len(parts) != 3 {
		return VideoMode{}, fmt.Errorf("invalid video mode %q (expected WIDTHxHEIGHT[xDEPTH])", s)
	}

	values := make([]int, 3)
	values[2] = 32
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return VideoMode{}, fmt.Errorf("invalid video mode %q: %w", s, err)
		}
		values[i] = n
	}

	mode := VideoMode{Width: values[0], Height: values[1], Depth: values[2]}
	if err := ValidateVideoMode(mode); err != nil {
		return VideoMode{}, err
	}
	return mode, nil
}

// Info is a snapshot of a virtual machine's configuration as reported by
// the backend.
type Info struct {
	MemorySizeMB  int
	CPUCount      int
	StorageSizeMB int
	StoragePath   string
	VideoMode     VideoMode

	SharedPaths map[SharedPath]string

	SSHPort      uint16
	WWWPort      uint16
	QmlLivePorts map[string]uint16

	OtherPortForwardings []PortForwarding
	Snapshots            []string
}

// Clone returns a deep copy.
func (i Info) Clone() Info {
	out := i
	out.SharedPaths = maps.Clone(i.SharedPaths)
	out.QmlLivePorts = maps.Clone(i.QmlLivePorts)
	out.OtherPortForwardings = slices.Clone(i.OtherPortForwardings)
	out.Snapshots = slices.Clone(i.Snapshots)
	return out
}
