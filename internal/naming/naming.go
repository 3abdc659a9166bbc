// Package naming provides the hypervisor-level naming conventions for
// build engine resources. This includes port forwarding rule names, shared
// folder names, filesystem tags and volume naming patterns.
//
// These names are part of the contract with the guest image, which looks
// up shares and forwardings by name, so they must never change.
package naming

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jbweber/anvil/internal/vm"
)

const (
	// RuleSSH is the NAT rule forwarding the engine's SSH port.
	RuleSSH = "guestssh"
	// RuleWWW is the NAT rule forwarding the engine's HTTP port.
	RuleWWW = "guestwww"

	qmlLiveRulePrefix = "qmllive_"

	// SSHGuestPort is the guest side of the SSH forwarding.
	SSHGuestPort = 22
	// WWWGuestPort is the guest side of the WWW forwarding.
	WWWGuestPort = 9292

	filesystemTagPrefix = "anvil-"
)

// ReservedRuleName returns the NAT rule name for a reserved port.
func ReservedRuleName(which vm.ReservedPort) string {
	switch which {
	case vm.WWWPort:
		return RuleWWW
	default:
		return RuleSSH
	}
}

// ReservedGuestPort returns the guest port a reserved forwarding targets.
func ReservedGuestPort(which vm.ReservedPort) uint16 {
	switch which {
	case vm.WWWPort:
		return WWWGuestPort
	default:
		return SSHGuestPort
	}
}

// QmlLiveRuleName returns the rule name of the n-th QmlLive forwarding.
// n starts at 1.
//
// Example: 2 → qmllive_2
func QmlLiveRuleName(n int) string {
	return qmlLiveRulePrefix + strconv.Itoa(n)
}

// ParseQmlLiveRuleName returns n for a rule created by QmlLiveRuleName.
func ParseQmlLiveRuleName(rule string) (int, bool) {
	if !strings.HasPrefix(rule, qmlLiveRulePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(rule, qmlLiveRulePrefix))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// IsReservedRuleName reports whether rule is managed through reserved
// forwardings rather than as a free-form rule.
func IsReservedRuleName(rule string) bool {
	if rule == RuleSSH || rule == RuleWWW {
		return true
	}
	_, ok := ParseQmlLiveRuleName(rule)
	return ok
}

// SharedFolderName returns the VirtualBox shared folder name for a role.
// The guest mounts shares by these names.
func SharedFolderName(which vm.SharedPath) string {
	switch which {
	case vm.SharedHome:
		return "home"
	case vm.SharedTarget:
		return "targets"
	case vm.SharedConfig:
		return "config"
	case vm.SharedSrc:
		return "src"
	case vm.SharedSSH:
		return "ssh"
	default:
		return fmt.Sprintf("shared%d", int(which))
	}
}

// SharedPathFromFolderName is the inverse of SharedFolderName.
func SharedPathFromFolderName(folder string) (vm.SharedPath, bool) {
	for _, which := range vm.SharedPaths {
		if SharedFolderName(which) == folder {
			return which, true
		}
	}
	return 0, false
}

// FilesystemTag returns the 9p/virtiofs mount tag for a role.
// Format: anvil-{folder} (e.g., "anvil-home")
func FilesystemTag(which vm.SharedPath) string {
	return filesystemTagPrefix + SharedFolderName(which)
}

// SharedPathFromFilesystemTag is the inverse of FilesystemTag.
func SharedPathFromFilesystemTag(tag string) (vm.SharedPath, bool) {
	if !strings.HasPrefix(tag, filesystemTagPrefix) {
		return 0, false
	}
	return SharedPathFromFolderName(strings.TrimPrefix(tag, filesystemTagPrefix))
}

// VolumeNameSSHSeed returns the volume name of a VM's SSH key seed ISO.
// Format: {vmName}_ssh-seed.iso
func VolumeNameSSHSeed(vmName string) string {
	return fmt.Sprintf("%s_ssh-seed.iso", vmName)
}
