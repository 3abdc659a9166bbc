// Package vbox implements vm.Backend for VirtualBox by driving the
// VBoxManage command line tool.
//
// Every call shells out once or a few times through a Runner and parses
// the machine-readable output. VBoxManage is not safe to run concurrently
// against the same VM; callers serialize through the command queue.
//
// Port forwardings use NAT adapter 1. Reserved rules are named guestssh
// and guestwww, QmlLive rules qmllive_1 to qmllive_10. Rule changes go
// through controlvm while the VM runs and modifyvm otherwise.
package vbox
