// Package status computes the conditions a parent resource reports about its
// children.
//
// Every parent carries one encompassing Ready condition and one condition per
// child, typed "<Kind>-<ordinal>". Ordinals are assigned once and never reused,
// so condition types stay stable while children come and go.
package status

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ConditionReady is the encompassing condition type.
const ConditionReady = "Ready"

// Encompassing condition reasons.
const (
	ReasonAllReady       = "AllReady"
	ReasonPartiallyReady = "PartiallyReady"
	ReasonNotReady       = "NotReady"
	ReasonNoChildren     = "NoChildren"
	ReasonProgressing    = "Progressing"
)

// Child condition reasons.
const (
	ReasonReady                    = "Ready"
	ReasonMinimumReplicasAvailable = "MinimumReplicasAvailable"
	ReasonPodsPending              = "PodsPending"
	ReasonPodsCrashing             = "PodsCrashing"
	ReasonRecordApplied            = "RecordApplied"
	ReasonRecordApplyFailed        = "RecordApplyFailed"
	ReasonZoneNotFound             = "ZoneNotFound"
	ReasonZoneTransferFailed       = "ZoneTransferFailed"
)

// Configuration and backend failure reasons.
const (
	ReasonConfigurationValid       = "ConfigurationValid"
	ReasonConfigurationInvalid     = "ConfigurationInvalid"
	ReasonSelectorInvalid          = "SelectorInvalid"
	ReasonUnsupportedVersion       = "UnsupportedVersion"
	ReasonCredentialMissing        = "CredentialMissing"
	ReasonRNDCAuthenticationFailed = "RNDCAuthenticationFailed"
	ReasonBindcarUnreachable       = "BindcarUnreachable"
	ReasonBindcarBadRequest        = "BindcarBadRequest"
	ReasonBindcarAuthFailed        = "BindcarAuthFailed"
	ReasonBindcarInternalError     = "BindcarInternalError"
)

// maxConditionMessageLength is the maximum length for condition messages.
const maxConditionMessageLength = 256

// Child is the observed health of one child.
type Child struct {
	Ordinal int32
	Ready   bool

	// Reason and Message explain a child that is not ready. Both are optional.
	Reason  string
	Message string
}

// ChildFromConditions reads a child's own Ready condition.
func ChildFromConditions(ordinal int32, conditions []metav1.Condition) Child {
	child := Child{Ordinal: ordinal}

	cond := meta.FindStatusCondition(conditions, ConditionReady)
	if cond == nil {
		child.Reason = ReasonProgressing
		child.Message = "Status not reported yet"

		return child
	}

	child.Ready = cond.Status == metav1.ConditionTrue
	child.Reason = cond.Reason
	child.Message = cond.Message

	return child
}

// ChildType returns the condition type of a child, e.g. "Instance-2".
func ChildType(kind string, ordinal int32) string {
	return kind + "-" + strconv.FormatInt(int64(ordinal), 10)
}

// ParseChildType splits a child condition type into kind and ordinal.
func ParseChildType(conditionType string) (string, int32, bool) {
	idx := strings.LastIndex(conditionType, "-")
	if idx <= 0 || idx == len(conditionType)-1 {
		return "", 0, false
	}

	ordinal, err := strconv.ParseInt(conditionType[idx+1:], 10, 32)
	if err != nil || ordinal < 0 {
		return "", 0, false
	}

	return conditionType[:idx], int32(ordinal), true
}

// Summarize computes the encompassing Ready condition for a set of children.
// plural names the children in messages, e.g. "instances".
func Summarize(children []Child, plural string, generation int64) metav1.Condition {
	total := len(children)
	ready := 0

	for _, child := range children {
		if child.Ready {
			ready++
		}
	}

	cond := metav1.Condition{
		Type:               ConditionReady,
		Status:             metav1.ConditionFalse,
		ObservedGeneration: generation,
	}

	switch {
	case total == 0:
		cond.Reason = ReasonNoChildren
		cond.Message = fmt.Sprintf("No %s found", plural)
	case ready == total:
		cond.Status = metav1.ConditionTrue
		cond.Reason = ReasonAllReady
		cond.Message = fmt.Sprintf("All %d %s are ready", total, plural)
	case ready == 0:
		cond.Reason = ReasonNotReady
		cond.Message = fmt.Sprintf("No %s are ready", plural)
	default:
		cond.Reason = ReasonPartiallyReady
		cond.Message = fmt.Sprintf("%d/%d %s are ready", ready, total, plural)
	}

	return cond
}

// ChildCondition builds the per-child condition. A healthy child always
// reports reason Ready.
func ChildCondition(kind string, child Child, generation int64) metav1.Condition {
	cond := metav1.Condition{
		Type:               ChildType(kind, child.Ordinal),
		ObservedGeneration: generation,
	}

	if child.Ready {
		cond.Status = metav1.ConditionTrue
		cond.Reason = ReasonReady
		cond.Message = fmt.Sprintf("%s is ready", kind)

		return cond
	}

	cond.Status = metav1.ConditionFalse
	cond.Reason = child.Reason

	if cond.Reason == "" || cond.Reason == ReasonReady || cond.Reason == ReasonAllReady {
		cond.Reason = ReasonNotReady
	}

	cond.Message = child.Message
	if cond.Message == "" {
		cond.Message = fmt.Sprintf("%s is not ready", kind)
	}

	cond.Message = Truncate(cond.Message)

	return cond
}

// Apply writes the encompassing and per-child conditions into conditions and
// drops child conditions of kind whose ordinal is no longer present.
// Conditions whose status does not change keep their lastTransitionTime.
func Apply(conditions *[]metav1.Condition, kind, plural string, children []Child, generation int64) {
	present := make(map[string]struct{}, len(children))

	for _, child := range children {
		cond := ChildCondition(kind, child, generation)
		present[cond.Type] = struct{}{}
		meta.SetStatusCondition(conditions, cond)
	}

	for _, existing := range append([]metav1.Condition(nil), *conditions...) {
		childKind, _, ok := ParseChildType(existing.Type)
		if !ok || childKind != kind {
			continue
		}

		if _, keep := present[existing.Type]; !keep {
			meta.RemoveStatusCondition(conditions, existing.Type)
		}
	}

	meta.SetStatusCondition(conditions, Summarize(children, plural, generation))
}

// SetReady overrides the encompassing condition, used when the resource cannot
// be evaluated at all (invalid spec, missing credential).
func SetReady(
	conditions *[]metav1.Condition,
	status metav1.ConditionStatus,
	reason, message string,
	generation int64,
) {
	meta.SetStatusCondition(conditions, metav1.Condition{
		Type:               ConditionReady,
		Status:             status,
		Reason:             reason,
		Message:            Truncate(message),
		ObservedGeneration: generation,
	})
}

// IsReady reports whether the encompassing condition is True.
func IsReady(conditions []metav1.Condition) bool {
	return meta.IsStatusConditionTrue(conditions, ConditionReady)
}

// Truncate shortens a message to the condition message limit.
func Truncate(msg string) string {
	if len(msg) > maxConditionMessageLength {
		return msg[:maxConditionMessageLength-3] + "..."
	}

	return msg
}
