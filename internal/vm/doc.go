// Package vm models the virtual machines that host build engines.
//
// The package has three parts:
//   - Backend: the capability set a hypervisor family implements
//     (internal/vbox, internal/libvirt).
//   - VirtualMachine: a handle bound to one VM name. Its operations are
//     serialized through the command queue and complete through futures.
//   - NameSet: the multiset of VM names bound to live handles.
//
// Input Validation:
//
// Memory, CPU and storage sizes must be positive and ports must fit a
// non-zero uint16. Invalid input never reaches the backend; the failure is
// delivered through the returned future like any other error.
//
// State:
//
// A VM's runtime state is never trusted from cache. Probe always asks the
// backend, bounded by the probe timeout, and reports Unknown when the
// hypervisor does not answer in time.
package vm
