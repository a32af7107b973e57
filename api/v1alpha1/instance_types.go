package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// InstanceSpec defines the desired state of Instance.
type InstanceSpec struct {
	// Role is the replication role of this server.
	// +optional
	// +kubebuilder:default=primary
	Role Role `json:"role,omitempty"`

	// Version is the BIND9 version, e.g. "9.18".
	// +optional
	Version string `json:"version,omitempty"`

	// Image overrides the BIND9 container image.
	// +optional
	Image string `json:"image,omitempty"`

	// Replicas is the number of pods serving this Instance.
	// +optional
	// +kubebuilder:validation:Minimum=0
	Replicas *int32 `json:"replicas,omitempty"`

	// +optional
	Options ServerOptions `json:"options,omitempty"`

	// RNDCSecretRef points at an externally managed credential.
	// When empty the operator generates and rotates one.
	// +optional
	RNDCSecretRef *SecretReference `json:"rndcSecretRef,omitempty"`

	// Rotation configures rotation of the generated credential.
	// +optional
	Rotation RotationSpec `json:"rotation,omitempty"`

	// APITokenSecretRef holds the bearer token for the sidecar API.
	// +optional
	APITokenSecretRef *SecretReference `json:"apiTokenSecretRef,omitempty"`
}

// GetRole returns the role, defaulting to primary.
func (s *InstanceSpec) GetRole() Role {
	if s.Role == "" {
		return RolePrimary
	}
	return s.Role
}

// GetReplicas returns the pod count, defaulting to 1.
func (s *InstanceSpec) GetReplicas() int32 {
	if s.Replicas == nil {
		return 1
	}
	return *s.Replicas
}

// GetVersion returns the BIND9 version, defaulting to DefaultBind9Version.
func (s *InstanceSpec) GetVersion() string {
	if s.Version == "" {
		return DefaultBind9Version
	}
	return s.Version
}

// GetImage returns the container image for the configured version.
func (s *InstanceSpec) GetImage() string {
	return imageFor(s.Image, s.GetVersion())
}

// InstanceStatus defines the observed state of Instance.
type InstanceStatus struct {
	// Conditions hold the encompassing Ready condition and one Pod-<n> condition per pod.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Endpoint is the in-cluster DNS name of the Instance Service.
	// +optional
	Endpoint string `json:"endpoint,omitempty"`

	// CredentialSecret is the name of the Secret holding the RNDC key in use.
	// +optional
	CredentialSecret string `json:"credentialSecret,omitempty"`

	// +optional
	ReadyReplicas int32 `json:"readyReplicas,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=b9i
// +kubebuilder:printcolumn:name="Role",type=string,JSONPath=`.spec.role`
// +kubebuilder:printcolumn:name="Ready",type=string,JSONPath=`.status.conditions[?(@.type=="Ready")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Instance is a single BIND9 server workload.
type Instance struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   InstanceSpec   `json:"spec,omitempty"`
	Status InstanceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// InstanceList contains a list of Instance.
type InstanceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Instance `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Instance{}, &InstanceList{})
}
