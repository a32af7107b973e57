package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ReplicaSpec sets the number of Instances for one role.
type ReplicaSpec struct {
	// Replicas is the number of Instances for this role.
	// +optional
	// +kubebuilder:validation:Minimum=0
	Replicas *int32 `json:"replicas,omitempty"`
}

// ClusterSpec defines the desired state of Cluster.
type ClusterSpec struct {
	// Version is the BIND9 version, e.g. "9.18".
	// +optional
	// +kubebuilder:default="9.18"
	Version string `json:"version,omitempty"`

	// Image overrides the BIND9 container image.
	// +optional
	Image string `json:"image,omitempty"`

	// Primary configures primary Instances. Defaults to one replica.
	// +optional
	Primary ReplicaSpec `json:"primary,omitempty"`

	// Secondary configures secondary Instances. Defaults to none.
	// +optional
	Secondary ReplicaSpec `json:"secondary,omitempty"`

	// Options are propagated to every Instance.
	// +optional
	Options ServerOptions `json:"options,omitempty"`

	// Rotation is propagated to every Instance.
	// +optional
	Rotation RotationSpec `json:"rotation,omitempty"`

	// RNDCSecretRef points at an externally managed credential shared by all Instances.
	// +optional
	RNDCSecretRef *SecretReference `json:"rndcSecretRef,omitempty"`

	// APITokenSecretRef holds the bearer token for the sidecar API.
	// +optional
	APITokenSecretRef *SecretReference `json:"apiTokenSecretRef,omitempty"`
}

// GetPrimaryReplicas returns the primary replica count, defaulting to 1.
func (c *ClusterSpec) GetPrimaryReplicas() int32 {
	if c.Primary.Replicas == nil {
		return 1
	}
	return *c.Primary.Replicas
}

// GetSecondaryReplicas returns the secondary replica count, defaulting to 0.
func (c *ClusterSpec) GetSecondaryReplicas() int32 {
	if c.Secondary.Replicas == nil {
		return 0
	}
	return *c.Secondary.Replicas
}

// GetVersion returns the BIND9 version, defaulting to DefaultBind9Version.
func (c *ClusterSpec) GetVersion() string {
	if c.Version == "" {
		return DefaultBind9Version
	}
	return c.Version
}

// GetImage returns the container image for the configured version.
func (c *ClusterSpec) GetImage() string {
	return imageFor(c.Image, c.GetVersion())
}

// ClusterStatus defines the observed state of Cluster.
type ClusterStatus struct {
	// Conditions hold the encompassing Ready condition and one Instance-<n> condition per child.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	InstanceCount int32 `json:"instanceCount,omitempty"`

	// +optional
	ReadyInstances int32 `json:"readyInstances,omitempty"`

	// Instances lists owned Instance names.
	// +optional
	Instances []string `json:"instances,omitempty"`

	// NextOrdinal is the ordinal the next created Instance receives.
	// +optional
	NextOrdinal int32 `json:"nextOrdinal,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=b9c
// +kubebuilder:printcolumn:name="Ready",type=string,JSONPath=`.status.conditions[?(@.type=="Ready")].status`
// +kubebuilder:printcolumn:name="Instances",type=integer,JSONPath=`.status.instanceCount`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Cluster is a group of primary and secondary BIND9 Instances.
type Cluster struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ClusterSpec   `json:"spec,omitempty"`
	Status ClusterStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterList contains a list of Cluster.
type ClusterList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Cluster `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Cluster{}, &ClusterList{})
}
