package v1alpha1

import (
	"strings"
)

const (
	// GroupName is the API group for anvil resources.
	GroupName = "anvil.jbweber.github.io"

	// Version is the API version.
	Version = "v1alpha1"

	// BuildEngineKind is the kind string for BuildEngine resources.
	BuildEngineKind = "BuildEngine"
)

// APIVersion returns GroupName/Version.
func APIVersion() string {
	return GroupName + "/" + Version
}

// NewBuildEngine creates a BuildEngine with TypeMeta and ObjectMeta set.
func NewBuildEngine(name string) *BuildEngine {
	return &BuildEngine{
		TypeMeta: TypeMeta{
			APIVersion: APIVersion(),
			Kind:       BuildEngineKind,
		},
		ObjectMeta: ObjectMeta{
			Name: name,
		},
		Status: BuildEngineStatus{
			Phase: EnginePhaseUnknown,
		},
	}
}

// SetDefaultAPIVersion ensures the engine has the correct apiVersion and
// kind. Useful when loading from files that might be missing these fields.
func SetDefaultAPIVersion(be *BuildEngine) {
	if be.APIVersion == "" {
		be.APIVersion = APIVersion()
	}
	if be.Kind == "" {
		be.Kind = BuildEngineKind
	}
}

// VirtualMachineName returns the VM name with fallback to metadata.name.
func (be *BuildEngine) VirtualMachineName() string {
	if be.Spec.VirtualMachine == "" {
		return be.Name
	}
	return be.Spec.VirtualMachine
}

// IsHeadless returns the headless flag. Handles nil by returning the
// default (true).
func (be *BuildEngine) IsHeadless() bool {
	if be.Spec.Headless == nil {
		return true
	}
	return *be.Spec.Headless
}

// SetPhase sets the phase in status.
func (be *BuildEngine) SetPhase(phase EnginePhase) {
	be.Status.Phase = phase
}

// GetPhase returns the current phase.
func (be *BuildEngine) GetPhase() EnginePhase {
	return be.Status.Phase
}

// SharedPathList returns the shared paths as role/path pairs in persisted
// order, skipping empty roles.
func (s SharedPathsSpec) SharedPathList() [][2]string {
	var out [][2]string
	for _, p := range [][2]string{
		{"home", s.Home},
		{"target", s.Target},
		{"config", s.Config},
		{"src", s.Src},
		{"ssh", s.SSH},
	} {
		if p[1] != "" {
			out = append(out, p)
		}
	}
	return out
}

// Normalize sanitizes user input to consistent formats. It is called
// before validation.
func (be *BuildEngine) Normalize() {
	// VM names are case sensitive in both hypervisors; only trim them.
	be.Name = strings.TrimSpace(be.Name)
	be.Spec.VirtualMachine = strings.TrimSpace(be.Spec.VirtualMachine)
	be.Spec.VideoMode = strings.ToLower(strings.TrimSpace(be.Spec.VideoMode))
	if be.Spec.WWWProxy != nil {
		be.Spec.WWWProxy.Type = strings.ToLower(strings.TrimSpace(be.Spec.WWWProxy.Type))
	}
}
