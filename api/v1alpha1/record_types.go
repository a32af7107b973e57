package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RecordType is a supported DNS resource record type.
// +kubebuilder:validation:Enum=A;AAAA;TXT;CNAME;MX;NS;SRV;CAA
type RecordType string

const (
	RecordTypeA     RecordType = "A"
	RecordTypeAAAA  RecordType = "AAAA"
	RecordTypeTXT   RecordType = "TXT"
	RecordTypeCNAME RecordType = "CNAME"
	RecordTypeMX    RecordType = "MX"
	RecordTypeNS    RecordType = "NS"
	RecordTypeSRV   RecordType = "SRV"
	RecordTypeCAA   RecordType = "CAA"
)

// RecordSpec defines the desired state of Record.
// Only the rdata fields relevant to Type are read.
type RecordSpec struct {
	// Name is relative to the zone; "@" is the apex.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name"`

	// +kubebuilder:validation:Required
	Type RecordType `json:"type"`

	// TTL in seconds. Defaults to DefaultRecordTTL.
	// +optional
	TTL *int32 `json:"ttl,omitempty"`

	// Addresses for A and AAAA records.
	// +optional
	Addresses []string `json:"addresses,omitempty"`

	// Target for CNAME, NS, MX and SRV records.
	// +optional
	Target string `json:"target,omitempty"`

	// Text strings for TXT records.
	// +optional
	Text []string `json:"text,omitempty"`

	// Priority for MX and SRV records.
	// +optional
	Priority int32 `json:"priority,omitempty"`

	// Weight for SRV records.
	// +optional
	Weight int32 `json:"weight,omitempty"`

	// Port for SRV records.
	// +optional
	Port int32 `json:"port,omitempty"`

	// Flags for CAA records.
	// +optional
	Flags int32 `json:"flags,omitempty"`

	// Tag for CAA records, e.g. "issue".
	// +optional
	Tag string `json:"tag,omitempty"`

	// Value for CAA records.
	// +optional
	Value string `json:"value,omitempty"`

	// ZonesFrom selects the Zones this record belongs to.
	// +optional
	ZonesFrom []SelectorRef `json:"zonesFrom,omitempty"`
}

// GetTTL returns the record TTL, defaulting to DefaultRecordTTL.
func (s *RecordSpec) GetTTL() int32 {
	if s.TTL == nil {
		return DefaultRecordTTL
	}
	return *s.TTL
}

// ZoneBinding is a Zone a Record is currently part of.
type ZoneBinding struct {
	ResourceRef `json:",inline"`

	// Ordinal is stable for as long as the Zone stays associated.
	Ordinal int32 `json:"ordinal"`

	// FQDN is the owner name of the record in this zone.
	// +optional
	FQDN string `json:"fqdn,omitempty"`

	// Hash of the record spec last applied to this zone.
	// +optional
	Hash string `json:"hash,omitempty"`

	// AppliedTo lists the Instances that accepted the last push.
	// +optional
	AppliedTo []string `json:"appliedTo,omitempty"`
}

// RecordStatus defines the observed state of Record.
type RecordStatus struct {
	// Conditions hold the encompassing Ready condition and one Zone-<n> condition per zone.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// RecordHash is the SHA-256 of the current spec.
	// +optional
	RecordHash string `json:"recordHash,omitempty"`

	// +optional
	Zones []ZoneBinding `json:"zones,omitempty"`

	// NextOrdinal is the ordinal the next associated Zone receives.
	// +optional
	NextOrdinal int32 `json:"nextOrdinal,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=b9r
// +kubebuilder:printcolumn:name="Name",type=string,JSONPath=`.spec.name`
// +kubebuilder:printcolumn:name="Type",type=string,JSONPath=`.spec.type`
// +kubebuilder:printcolumn:name="Ready",type=string,JSONPath=`.status.conditions[?(@.type=="Ready")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Record is a DNS resource record set published into the Zones it belongs to.
type Record struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   RecordSpec   `json:"spec,omitempty"`
	Status RecordStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// RecordList contains a list of Record.
type RecordList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Record `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Record{}, &RecordList{})
}
