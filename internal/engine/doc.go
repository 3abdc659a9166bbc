// Package engine owns the set of configured build engines.
//
// A BuildEngine is a cross-compilation environment bound to exactly one
// hypervisor VM. Its name is the VM name. The Registry owns every engine,
// the multiset of VM names bound to live engines, and the subscribers that
// follow engine lifecycle events.
//
// # Binding
//
// CreateBuildEngine binds a VM name asynchronously: the name is reserved
// while the hypervisor is queried, and the binding is committed only when
// the VM exists. Two concurrent creates for the same name never both
// succeed. An engine that was created but never added must be released
// with Discard.
//
// # Events
//
// Lifecycle events are delivered synchronously to subscribers after the
// registry lock is released, so subscribers may call back into the
// registry. AboutToRemove is always delivered before the engine leaves the
// registry.
package engine
