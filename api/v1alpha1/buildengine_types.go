package v1alpha1

// BuildEngine is the resource view of a registered build engine.
//
// Spec holds the settings anvil can change on the engine and its VM. Zero
// values in Spec mean "leave as is" when applied. Status is filled from
// the registry and a fresh backend probe and is ignored on apply.
type BuildEngine struct {
	TypeMeta `json:",inline" yaml:",inline"`

	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Spec BuildEngineSpec `json:"spec" yaml:"spec"`

	Status BuildEngineStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// BuildEngineSpec defines the desired configuration of a build engine.
type BuildEngineSpec struct {
	// VirtualMachine is the hypervisor VM name. Defaults to metadata.name.
	// +optional
	VirtualMachine string `json:"virtualMachine,omitempty" yaml:"virtualMachine,omitempty"`

	// Autodetected marks engines found by the installer rather than added
	// by the user.
	// +optional
	Autodetected bool `json:"autodetected,omitempty" yaml:"autodetected,omitempty"`

	// Headless starts the VM without a display. Defaults to true.
	// +optional
	Headless *bool `json:"headless,omitempty" yaml:"headless,omitempty"`

	// MemoryMB is the VM memory size in MiB.
	// +optional
	MemoryMB int `json:"memoryMB,omitempty" yaml:"memoryMB,omitempty"`

	// CPUs is the virtual CPU count.
	// +optional
	CPUs int `json:"cpus,omitempty" yaml:"cpus,omitempty"`

	// StorageSizeMB is the boot disk capacity in MiB. It can only grow.
	// +optional
	StorageSizeMB int `json:"storageSizeMB,omitempty" yaml:"storageSizeMB,omitempty"`

	// VideoMode is WIDTHxHEIGHT[xDEPTH].
	// +optional
	VideoMode string `json:"videoMode,omitempty" yaml:"videoMode,omitempty"`

	// SharedPaths are the host directories shared into the engine.
	// +optional
	SharedPaths SharedPathsSpec `json:"sharedPaths,omitempty" yaml:"sharedPaths,omitempty"`

	// SSH describes how to reach the engine's build shell.
	// +optional
	SSH SSHSpec `json:"ssh,omitempty" yaml:"ssh,omitempty"`

	// WWWPort is the host port forwarded to the engine's web server.
	// +optional
	WWWPort int `json:"wwwPort,omitempty" yaml:"wwwPort,omitempty"`

	// WWWProxy is the HTTP proxy configuration pushed into the engine.
	// +optional
	WWWProxy *ProxySpec `json:"wwwProxy,omitempty" yaml:"wwwProxy,omitempty"`

	// QmlLivePorts are the host ports forwarded for QmlLive, in order.
	// +optional
	QmlLivePorts []int `json:"qmlLivePorts,omitempty" yaml:"qmlLivePorts,omitempty"`
}

// SharedPathsSpec lists the shared directories by role.
type SharedPathsSpec struct {
	Home   string `json:"home,omitempty" yaml:"home,omitempty"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	Config string `json:"config,omitempty" yaml:"config,omitempty"`
	Src    string `json:"src,omitempty" yaml:"src,omitempty"`
	SSH    string `json:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// SSHSpec describes SSH access to the engine.
type SSHSpec struct {
	Host           string `json:"host,omitempty" yaml:"host,omitempty"`
	User           string `json:"user,omitempty" yaml:"user,omitempty"`
	PrivateKeyFile string `json:"privateKeyFile,omitempty" yaml:"privateKeyFile,omitempty"`

	// Port is the host side of the SSH forwarding.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// TimeoutSeconds bounds connection setup.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// ProxySpec is an HTTP proxy configuration.
type ProxySpec struct {
	// Type is direct, auto or manual.
	Type     string `json:"type" yaml:"type"`
	Servers  string `json:"servers,omitempty" yaml:"servers,omitempty"`
	Excludes string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
}

// BuildEngineStatus is the observed state of a build engine.
type BuildEngineStatus struct {
	// Phase is the VM runtime state from the last probe.
	// +kubebuilder:validation:Enum=Unknown;Stopped;Starting;Running;Stopping;Saved
	Phase EnginePhase `json:"phase,omitempty" yaml:"phase,omitempty"`

	// Conditions are the latest observations of the engine.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// StoragePath is the boot disk location on the host.
	StoragePath string `json:"storagePath,omitempty" yaml:"storagePath,omitempty"`

	// QmlLivePorts maps forwarding rule names to host ports.
	QmlLivePorts map[string]int `json:"qmlLivePorts,omitempty" yaml:"qmlLivePorts,omitempty"`

	// PortForwardings are the VM's forwardings that anvil does not manage.
	PortForwardings []PortForwardingStatus `json:"portForwardings,omitempty" yaml:"portForwardings,omitempty"`

	// Snapshots are the VM's snapshot names.
	Snapshots []string `json:"snapshots,omitempty" yaml:"snapshots,omitempty"`

	// BuildTargets are the names of the targets installed in the engine.
	BuildTargets []string `json:"buildTargets,omitempty" yaml:"buildTargets,omitempty"`
}

// PortForwardingStatus is one NAT rule.
type PortForwardingStatus struct {
	Name      string `json:"name" yaml:"name"`
	Protocol  string `json:"protocol" yaml:"protocol"`
	HostPort  int    `json:"hostPort" yaml:"hostPort"`
	GuestPort int    `json:"guestPort" yaml:"guestPort"`
}

// EnginePhase is the VM runtime state of a build engine.
type EnginePhase string

const (
	// EnginePhaseUnknown means the probe failed or timed out.
	EnginePhaseUnknown EnginePhase = "Unknown"
	// EnginePhaseStopped means the VM is powered off.
	EnginePhaseStopped EnginePhase = "Stopped"
	// EnginePhaseStarting means the VM is booting.
	EnginePhaseStarting EnginePhase = "Starting"
	// EnginePhaseRunning means the VM is running.
	EnginePhaseRunning EnginePhase = "Running"
	// EnginePhaseStopping means the VM is shutting down.
	EnginePhaseStopping EnginePhase = "Stopping"
	// EnginePhaseSaved means the VM state is saved to disk.
	EnginePhaseSaved EnginePhase = "Saved"
)

// Condition types for BuildEngine resources.
const (
	// ConditionReady is True when the VM is running.
	ConditionReady = "Ready"

	// ConditionSSHReachable is True when the engine accepted the
	// configured SSH credentials.
	ConditionSSHReachable = "SSHReachable"
)
