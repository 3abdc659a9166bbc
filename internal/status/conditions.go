// Package status fills BuildEngine status fields: conditions and the phase
// derived from a backend probe.
package status

import (
	"slices"
	"time"

	"github.com/jbweber/anvil/api/v1alpha1"
)

// SetCondition adds or updates a condition in the engine status.
// The LastTransitionTime is only updated if the status changes.
func SetCondition(be *v1alpha1.BuildEngine, condType string, status v1alpha1.ConditionStatus, reason, message string) {
	now := v1alpha1.Time{Time: time.Now()}

	for i := range be.Status.Conditions {
		existing := &be.Status.Conditions[i]
		if existing.Type != condType {
			continue
		}
		if existing.Status != status {
			existing.LastTransitionTime = now
		}
		existing.Status = status
		existing.Reason = reason
		existing.Message = message
		return
	}

	be.Status.Conditions = append(be.Status.Conditions, v1alpha1.Condition{
		Type:               condType,
		Status:             status,
		LastTransitionTime: now,
		Reason:             reason,
		Message:            message,
	})
}

// GetCondition returns a condition by type, or nil if not found.
func GetCondition(be *v1alpha1.BuildEngine, condType string) *v1alpha1.Condition {
	for i := range be.Status.Conditions {
		if be.Status.Conditions[i].Type == condType {
			return &be.Status.Conditions[i]
		}
	}
	return nil
}

// IsConditionTrue returns true if the condition exists and has status True.
func IsConditionTrue(be *v1alpha1.BuildEngine, condType string) bool {
	cond := GetCondition(be, condType)
	return cond != nil && cond.Status == v1alpha1.ConditionTrue
}

// RemoveCondition removes a condition by type.
func RemoveCondition(be *v1alpha1.BuildEngine, condType string) {
	be.Status.Conditions = slices.DeleteFunc(be.Status.Conditions, func(c v1alpha1.Condition) bool {
		return c.Type == condType
	})
}

// MarkSSHReachable records the outcome of an SSH connectivity check.
func MarkSSHReachable(be *v1alpha1.BuildEngine, err error) {
	if err != nil {
		SetCondition(be, v1alpha1.ConditionSSHReachable, v1alpha1.ConditionFalse, "SSHFailed", err.Error())
		return
	}
	SetCondition(be, v1alpha1.ConditionSSHReachable, v1alpha1.ConditionTrue, "SSHConnected", "Engine accepted the configured key")
}
