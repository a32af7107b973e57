package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ProviderSpec defines the desired state of Provider.
type ProviderSpec struct {
	// Namespaces selects the namespaces that receive a Cluster.
	// Entries are exact names or glob patterns such as "dns-*".
	// +kubebuilder:validation:MinItems=1
	Namespaces []string `json:"namespaces"`

	// ClusterTemplate is the spec of every Cluster owned by this Provider.
	ClusterTemplate ClusterSpec `json:"clusterTemplate"`
}

// ProviderStatus defines the observed state of Provider.
type ProviderStatus struct {
	// Conditions hold the encompassing Ready condition and one Cluster-<n> condition per child.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Clusters lists the Clusters owned by this Provider.
	// +optional
	Clusters []ResourceRef `json:"clusters,omitempty"`

	// NextOrdinal is the ordinal the next created Cluster receives.
	// +optional
	NextOrdinal int32 `json:"nextOrdinal,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Cluster,shortName=b9p
// +kubebuilder:printcolumn:name="Ready",type=string,JSONPath=`.status.conditions[?(@.type=="Ready")].status`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Provider is a cluster-scoped template that stamps a Cluster into every matching namespace.
type Provider struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ProviderSpec   `json:"spec,omitempty"`
	Status ProviderStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ProviderList contains a list of Provider.
type ProviderList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Provider `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Provider{}, &ProviderList{})
}
