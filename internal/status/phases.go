package status

import (
	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/vm"
)

// PhaseFor maps a probed VM state to an engine phase.
func PhaseFor(state vm.State) v1alpha1.EnginePhase {
	switch state {
	case vm.Stopped:
		return v1alpha1.EnginePhaseStopped
	case vm.Starting:
		return v1alpha1.EnginePhaseStarting
	case vm.Running:
		return v1alpha1.EnginePhaseRunning
	case vm.Stopping:
		return v1alpha1.EnginePhaseStopping
	case vm.Saved:
		return v1alpha1.EnginePhaseSaved
	default:
		return v1alpha1.EnginePhaseUnknown
	}
}

// ApplyProbe sets the phase and Ready condition from a probe result. A
// probe error leaves the phase Unknown and Ready Unknown, with the error
// kind (see errdefs.Kind) as reason.
func ApplyProbe(be *v1alpha1.BuildEngine, state vm.State, err error) {
	if err != nil {
		be.SetPhase(v1alpha1.EnginePhaseUnknown)
		SetCondition(be, v1alpha1.ConditionReady, v1alpha1.ConditionUnknown, errdefs.Kind(err), err.Error())
		return
	}

	be.SetPhase(PhaseFor(state))
	switch state {
	case vm.Running:
		SetCondition(be, v1alpha1.ConditionReady, v1alpha1.ConditionTrue, "VMRunning", "Virtual machine is running")
	case vm.Starting:
		SetCondition(be, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, "Starting", "Virtual machine is booting")
	case vm.Unknown:
		SetCondition(be, v1alpha1.ConditionReady, v1alpha1.ConditionUnknown, "StateUnknown", "Hypervisor reported an unknown state")
	default:
		SetCondition(be, v1alpha1.ConditionReady, v1alpha1.ConditionFalse, "NotRunning", "Virtual machine is "+state.String())
	}
}

// IsRunning returns true if the phase is Running.
func IsRunning(phase v1alpha1.EnginePhase) bool {
	return phase == v1alpha1.EnginePhaseRunning
}

// IsTransitioning returns true if the VM is booting or shutting down.
func IsTransitioning(phase v1alpha1.EnginePhase) bool {
	return phase == v1alpha1.EnginePhaseStarting || phase == v1alpha1.EnginePhaseStopping
}
