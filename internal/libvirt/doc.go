// Package libvirt implements the build engine backend on top of libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - Domain XML edits through libvirt.org/go/libvirtxml
//   - An SSH seed ISO delivered through a storage pool volume
//   - A vm.Backend implementation
//
// Connection Management:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	backend := libvirt.NewBackend(client, libvirt.Options{StoragePool: "default"})
//
// Domain Edits:
//
// Memory, CPU count and shared folders are changed on the persistent
// definition: the inactive XML is read, edited and redefined. Changes take
// effect on the next boot. The boot disk is grown through the storage
// volume API and never shrunk.
//
// SSH Seed:
//
// The SSH shared path is packed into an ISO9660 image labelled ANVILSSH,
// uploaded to {vm}_ssh-seed.iso in the configured pool and attached as a
// read-only CD-ROM. The source directory is remembered in the domain's
// custom metadata so FetchInfo can report it.
//
// Networking:
//
// Build engines on libvirt are bridged, so the port forwarding operations
// and video mode report ErrOperationFailed.
package libvirt
