package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SOARecord is the zone's start of authority.
type SOARecord struct {
	// PrimaryNS is the primary name server, e.g. "ns1.example.com.".
	// +kubebuilder:validation:Required
	PrimaryNS string `json:"primaryNs"`

	// AdminEmail is the zone administrator mailbox, e.g. "admin.example.com.".
	// +kubebuilder:validation:Required
	AdminEmail string `json:"adminEmail"`

	// Serial is the zone serial. Zero lets the server pick one.
	// +optional
	Serial int64 `json:"serial,omitempty"`

	// +optional
	Refresh int32 `json:"refresh,omitempty"`

	// +optional
	Retry int32 `json:"retry,omitempty"`

	// +optional
	Expire int32 `json:"expire,omitempty"`

	// +optional
	NegativeTTL int32 `json:"negativeTtl,omitempty"`
}

// GetRefresh returns the refresh interval in seconds.
func (s *SOARecord) GetRefresh() int32 { return orDefault(s.Refresh, DefaultSOARefresh) }

// GetRetry returns the retry interval in seconds.
func (s *SOARecord) GetRetry() int32 { return orDefault(s.Retry, DefaultSOARetry) }

// GetExpire returns the expiry in seconds.
func (s *SOARecord) GetExpire() int32 { return orDefault(s.Expire, DefaultSOAExpire) }

// GetNegativeTTL returns the negative caching TTL in seconds.
func (s *SOARecord) GetNegativeTTL() int32 { return orDefault(s.NegativeTTL, DefaultSOANegative) }

// ZoneSpec defines the desired state of Zone.
type ZoneSpec struct {
	// ZoneName is the DNS name of the zone, e.g. "example.com".
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	ZoneName string `json:"zoneName"`

	// TTL is the zone default TTL in seconds.
	// +optional
	TTL *int32 `json:"ttl,omitempty"`

	SOA SOARecord `json:"soa"`

	// NameServers are the apex NS host names. Defaults to the SOA primary.
	// +optional
	NameServers []string `json:"nameServers,omitempty"`

	// NameServerIPs maps in-zone name servers to glue addresses.
	// +optional
	NameServerIPs map[string]string `json:"nameServerIPs,omitempty"`

	// InstancesFrom selects the Instances serving this zone.
	// +optional
	InstancesFrom []SelectorRef `json:"instancesFrom,omitempty"`

	// RecordsFrom selects Records included in this zone.
	// +optional
	RecordsFrom []SelectorRef `json:"recordsFrom,omitempty"`
}

// GetTTL returns the zone TTL, defaulting to DefaultZoneTTL.
func (s *ZoneSpec) GetTTL() int32 {
	if s.TTL == nil {
		return DefaultZoneTTL
	}
	return *s.TTL
}

// GetNameServers returns the apex name servers.
func (s *ZoneSpec) GetNameServers() []string {
	if len(s.NameServers) == 0 && s.SOA.PrimaryNS != "" {
		return []string{s.SOA.PrimaryNS}
	}
	return s.NameServers
}

// TargetRef is an Instance currently selected by a Zone.
type TargetRef struct {
	ResourceRef `json:",inline"`

	// Ordinal is stable for as long as the Instance stays selected.
	Ordinal int32 `json:"ordinal"`

	// Role of the targeted Instance.
	// +optional
	Role Role `json:"role,omitempty"`

	// Hash of the zone definition last applied to the Instance.
	// +optional
	Hash string `json:"hash,omitempty"`
}

// ZoneStatus defines the observed state of Zone.
type ZoneStatus struct {
	// Conditions hold the encompassing Ready condition and one Instance-<n> condition per target.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Targets lists the Instances this zone is configured on.
	// +optional
	Targets []TargetRef `json:"targets,omitempty"`

	// RecordCount is the number of Records associated with the zone.
	// +optional
	RecordCount int32 `json:"recordCount,omitempty"`

	// OrphansDeleted counts records removed from servers because nothing declares them.
	// +optional
	OrphansDeleted int64 `json:"orphansDeleted,omitempty"`

	// NextOrdinal is the ordinal the next selected Instance receives.
	// +optional
	NextOrdinal int32 `json:"nextOrdinal,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=b9z
// +kubebuilder:printcolumn:name="Zone",type=string,JSONPath=`.spec.zoneName`
// +kubebuilder:printcolumn:name="Ready",type=string,JSONPath=`.status.conditions[?(@.type=="Ready")].status`
// +kubebuilder:printcolumn:name="Records",type=integer,JSONPath=`.status.recordCount`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Zone is an authoritative DNS zone served by the Instances it selects.
type Zone struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ZoneSpec   `json:"spec,omitempty"`
	Status ZoneStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ZoneList contains a list of Zone.
type ZoneList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Zone `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Zone{}, &ZoneList{})
}

func orDefault(v, def int32) int32 {
	if v == 0 {
		return def
	}
	return v
}
