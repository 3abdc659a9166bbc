package libvirt

import (
	"fmt"
	"slices"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/vm"
)

// diskRef locates the boot disk of a domain, either by path or by pool volume.
type diskRef struct {
	Path   string
	Pool   string
	Volume string
}

// parseDomain unmarshals domain XML.
func parseDomain(xml string) (*libvirtxml.Domain, error) {
	var d libvirtxml.Domain
	if err := d.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	return &d, nil
}

// marshalDomain marshals domain XML.
func marshalDomain(d *libvirtxml.Domain) (string, error) {
	xml, err := d.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

// toMiB converts a libvirt memory value to MiB. An empty unit means KiB.
func toMiB(value uint, unit string) int {
	switch strings.ToLower(unit) {
	case "b", "bytes":
		return int(value >> 20)
	case "", "k", "kib":
		return int(value >> 10)
	case "kb":
		return int(uint64(value) * 1000 >> 20)
	case "m", "mib":
		return int(value)
	case "mb":
		return int(uint64(value) * 1000 * 1000 >> 20)
	case "g", "gib":
		return int(value << 10)
	case "gb":
		return int(uint64(value) * 1000 * 1000 * 1000 >> 20)
	default:
		return 0
	}
}

func memoryMB(d *libvirtxml.Domain) int {
	if d.Memory == nil {
		return 0
	}
	return toMiB(d.Memory.Value, d.Memory.Unit)
}

func setMemoryMB(d *libvirtxml.Domain, mb int) {
	d.Memory = &libvirtxml.DomainMemory{Value: uint(mb), Unit: "MiB"}
	if d.CurrentMemory != nil {
		d.CurrentMemory = &libvirtxml.DomainCurrentMemory{Value: uint(mb), Unit: "MiB"}
	}
}

func cpuCount(d *libvirtxml.Domain) int {
	if d.VCPU == nil {
		return 0
	}
	return int(d.VCPU.Value)
}

// setCPUCount replaces the vcpu element, dropping any current attribute so
// the new maximum is also the boot count.
func setCPUCount(d *libvirtxml.Domain, n int) {
	vcpu := &libvirtxml.DomainVCPU{Placement: "static", Value: uint(n)}
	if d.VCPU != nil {
		vcpu.Placement = d.VCPU.Placement
		vcpu.CPUSet = d.VCPU.CPUSet
	}
	d.VCPU = vcpu
}

// bootDisk returns the first hard disk of the domain.
func bootDisk(d *libvirtxml.Domain) (diskRef, bool) {
	if d.Devices == nil {
		return diskRef{}, false
	}
	for _, disk := range d.Devices.Disks {
		if disk.Device != "" && disk.Device != "disk" {
			continue
		}
		if disk.Source == nil {
			continue
		}
		switch {
		case disk.Source.File != nil && disk.Source.File.File != "":
			return diskRef{Path: disk.Source.File.File}, true
		case disk.Source.Block != nil && disk.Source.Block.Dev != "":
			return diskRef{Path: disk.Source.Block.Dev}, true
		case disk.Source.Volume != nil:
			return diskRef{Pool: disk.Source.Volume.Pool, Volume: disk.Source.Volume.Volume}, true
		}
	}
	return diskRef{}, false
}

// sharedFilesystems maps the anvil-tagged mounts of the domain back to their
// roles.
func sharedFilesystems(d *libvirtxml.Domain) map[vm.SharedPath]string {
	out := make(map[vm.SharedPath]string)
	if d.Devices == nil {
		return out
	}
	for _, fs := range d.Devices.Filesystems {
		if fs.Target == nil || fs.Source == nil || fs.Source.Mount == nil {
			continue
		}
		which, ok := naming.SharedPathFromFilesystemTag(fs.Target.Dir)
		if !ok {
			continue
		}
		out[which] = fs.Source.Mount.Dir
	}
	return out
}

// setFilesystem points the mount tagged for which at dir, adding it if
// needed. An empty dir removes the mount.
func setFilesystem(d *libvirtxml.Domain, which vm.SharedPath, dir string) {
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	tag := naming.FilesystemTag(which)

	d.Devices.Filesystems = slices.DeleteFunc(d.Devices.Filesystems, func(fs libvirtxml.DomainFilesystem) bool {
		return fs.Target != nil && fs.Target.Dir == tag
	})
	if dir == "" {
		return
	}

	d.Devices.Filesystems = append(d.Devices.Filesystems, libvirtxml.DomainFilesystem{
		AccessMode: "mapped",
		Source: &libvirtxml.DomainFilesystemSource{
			Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: dir},
		},
		Target: &libvirtxml.DomainFilesystemTarget{Dir: tag},
	})
}

// isSeedDisk reports whether disk is the SSH seed CD-ROM for vmName.
func isSeedDisk(disk libvirtxml.DomainDisk, vmName string) bool {
	return disk.Device == "cdrom" &&
		disk.Source != nil &&
		disk.Source.Volume != nil &&
		disk.Source.Volume.Volume == naming.VolumeNameSSHSeed(vmName)
}

// setSeedCDROM attaches the seed volume as a read-only SATA CD-ROM, reusing
// the existing drive when present.
func setSeedCDROM(d *libvirtxml.Domain, pool string) {
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	volume := naming.VolumeNameSSHSeed(d.Name)
	source := &libvirtxml.DomainDiskSource{
		Volume: &libvirtxml.DomainDiskSourceVolume{Pool: pool, Volume: volume},
	}

	for i, disk := range d.Devices.Disks {
		if isSeedDisk(disk, d.Name) {
			d.Devices.Disks[i].Source = source
			return
		}
	}

	d.Devices.Disks = append(d.Devices.Disks, libvirtxml.DomainDisk{
		Device: "cdrom",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "raw",
		},
		Source: source,
		Target: &libvirtxml.DomainDiskTarget{
			Dev: freeTarget(d, "sd"),
			Bus: "sata",
		},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	})
}

// removeSeedCDROM detaches the seed CD-ROM, reporting whether one was found.
func removeSeedCDROM(d *libvirtxml.Domain) bool {
	if d.Devices == nil {
		return false
	}
	n := len(d.Devices.Disks)
	d.Devices.Disks = slices.DeleteFunc(d.Devices.Disks, func(disk libvirtxml.DomainDisk) bool {
		return isSeedDisk(disk, d.Name)
	})
	return len(d.Devices.Disks) != n
}

// freeTarget returns the first prefix+letter device name not used by a disk.
func freeTarget(d *libvirtxml.Domain, prefix string) string {
	used := make(map[string]bool)
	if d.Devices != nil {
		for _, disk := range d.Devices.Disks {
			if disk.Target != nil {
				used[disk.Target.Dev] = true
			}
		}
	}
	for c := 'a'; c <= 'z'; c++ {
		if dev := prefix + string(c); !used[dev] {
			return dev
		}
	}
	return prefix + "z"
}
