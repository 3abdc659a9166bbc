package vbox

import (
	"bufio"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/vm"
)

var (
	// "Sailfish OS Build Engine" {0a1b2c3d-...}
	listVMsLine = regexp.MustCompile(`^"(.*)" \{([0-9a-fA-F-]+)\}$`)

	// Capacity:       20480 MBytes
	capacityLine = regexp.MustCompile(`^Capacity:\s+(\d+)\s+MBytes`)

	diskExtensions = []string{".vdi", ".vmdk", ".vhd"}
)

// parseVMList parses the output of "VBoxManage list vms".
func parseVMList(out string) []string {
	var names []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		m := listVMsLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		names = append(names, m[1])
	}
	return names
}

// machineInfo is the parsed output of "showvminfo --machinereadable".
type machineInfo map[string]string

// parseMachineReadable parses key=value lines. Keys and values may be
// double-quoted with backslash escapes.
func parseMachineReadable(out string) machineInfo {
	info := make(machineInfo)
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := splitAssignment(line)
		if !ok {
			continue
		}
		info[key] = value
	}
	return info
}

func splitAssignment(line string) (string, string, bool) {
	var key, rest string
	if strings.HasPrefix(line, `"`) {
		end := strings.Index(line[1:], `"=`)
		if end < 0 {
			return "", "", false
		}
		key = line[1 : end+1]
		rest = line[end+3:]
	} else {
		var ok bool
		key, rest, ok = strings.Cut(line, "=")
		if !ok {
			return "", "", false
		}
	}
	return key, unquote(rest), true
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
		return s[1 : len(s)-1]
	}
	return s
}

// state maps VMState to the coarse vm.State.
func (m machineInfo) state() vm.State {
	switch m["VMState"] {
	case "running":
		return vm.Running
	case "poweroff", "aborted":
		return vm.Stopped
	case "saved", "paused":
		return vm.Saved
	case "starting", "restoring":
		return vm.Starting
	case "stopping", "saving":
		return vm.Stopping
	default:
		return vm.Unknown
	}
}

func (m machineInfo) intValue(key string) int {
	n, _ := strconv.Atoi(m[key])
	return n
}

// forwardings returns the NAT rules of the first adapter, ordered by index.
func (m machineInfo) forwardings() []vm.PortForwarding {
	var rules []vm.PortForwarding
	for i := 0; ; i++ {
		raw, ok := m[fmt.Sprintf("Forwarding(%d)", i)]
		if !ok {
			break
		}
		rule, err := parseForwarding(raw)
		if err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// parseForwarding parses "name,proto,hostip,hostport,guestip,guestport".
func parseForwarding(raw string) (vm.PortForwarding, error) {
	fields := strings.Split(raw, ",")
	if len(fields) != 6 {
		return vm.PortForwarding{}, fmt.Errorf("malformed forwarding rule %q", raw)
	}
	host, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return vm.PortForwarding{}, fmt.Errorf("malformed host port in %q: %w", raw, err)
	}
	guest, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return vm.PortForwarding{}, fmt.Errorf("malformed guest port in %q: %w", raw, err)
	}
	return vm.PortForwarding{
		RuleName:  fields[0],
		Protocol:  fields[1],
		HostPort:  uint16(host),
		GuestPort: uint16(guest),
	}, nil
}

func formatForwarding(rule vm.PortForwarding) string {
	return fmt.Sprintf("%s,%s,127.0.0.1,%d,,%d", rule.RuleName, rule.Protocol, rule.HostPort, rule.GuestPort)
}

// sharedFolders returns the machine shared folders keyed by folder name.
func (m machineInfo) sharedFolders() map[string]string {
	folders := make(map[string]string)
	for i := 1; ; i++ {
		name, ok := m[fmt.Sprintf("SharedFolderNameMachineMapping%d", i)]
		if !ok {
			break
		}
		folders[name] = m[fmt.Sprintf("SharedFolderPathMachineMapping%d", i)]
	}
	return folders
}

// snapshots returns snapshot names in tree order.
func (m machineInfo) snapshots() []string {
	var names []string
	if name, ok := m["SnapshotName"]; ok {
		names = append(names, name)
	}
	var keys []string
	for key := range m {
		if strings.HasPrefix(key, "SnapshotName-") {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		names = append(names, m[key])
	}
	return names
}

// diskPath returns the image attached at port 0, device 0 of the first
// storage controller carrying a hard disk image.
func (m machineInfo) diskPath() string {
	var keys []string
	for key := range m {
		if strings.HasSuffix(key, "-0-0") && !strings.Contains(key, "ImageUUID") {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		value := m[key]
		for _, ext := range diskExtensions {
			if strings.HasSuffix(strings.ToLower(value), ext) {
				return value
			}
		}
	}
	return ""
}

// toInfo converts the parsed output to vm.Info. Storage size and video
// mode need separate queries and are left zero.
func (m machineInfo) toInfo() vm.Info {
	info := vm.Info{
		MemorySizeMB: m.intValue("memory"),
		CPUCount:     m.intValue("cpus"),
		StoragePath:  m.diskPath(),
		SharedPaths:  make(map[vm.SharedPath]string),
		QmlLivePorts: make(map[string]uint16),
		Snapshots:    m.snapshots(),
	}

	for folder, path := range m.sharedFolders() {
		if which, ok := naming.SharedPathFromFolderName(folder); ok {
			info.SharedPaths[which] = path
		}
	}

	for _, rule := range m.forwardings() {
		switch {
		case rule.RuleName == naming.RuleSSH:
			info.SSHPort = rule.HostPort
		case rule.RuleName == naming.RuleWWW:
			info.WWWPort = rule.HostPort
		case naming.IsReservedRuleName(rule.RuleName):
			info.QmlLivePorts[rule.RuleName] = rule.HostPort
		default:
			info.OtherPortForwardings = append(info.OtherPortForwardings, rule)
		}
	}
	return info
}

// parseCapacityMB parses "showmediuminfo disk" output.
func parseCapacityMB(out string) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if m := capacityLine.FindStringSubmatch(strings.TrimSpace(scanner.Text())); m != nil {
			return strconv.Atoi(m[1])
		}
	}
	return 0, fmt.Errorf("no capacity in medium info")
}

// parseExtraData parses "getextradata" output: "Value: <v>" or
// "No value set!".
func parseExtraData(out string) (string, bool) {
	value, ok := strings.CutPrefix(strings.TrimSpace(out), "Value: ")
	return value, ok
}
