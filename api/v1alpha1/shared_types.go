package v1alpha1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Kinds served by this API group.
const (
	KindProvider = "Provider"
	KindCluster  = "Cluster"
	KindInstance = "Instance"
	KindZone     = "Zone"
	KindRecord   = "Record"
)

// Well-known labels set on objects created by the operator.
const (
	LabelManagedBy  = "app.kubernetes.io/managed-by"
	LabelName       = "app.kubernetes.io/name"
	LabelInstance   = "app.kubernetes.io/instance"
	LabelComponent  = "app.kubernetes.io/component"
	LabelPartOf     = "app.kubernetes.io/part-of"
	ManagedByValue  = "bind9-fleet-operator"
	PartOfValue     = "bind9-fleet"
	AppNameBind9    = "bind9"
	ComponentServer = "dns-server"

	LabelProvider   = GroupName + "/provider"
	LabelCluster    = GroupName + "/cluster"
	LabelRole       = GroupName + "/role"
	LabelCredential = GroupName + "/credential"

	// CredentialTypeRNDC marks Secrets that hold an RNDC/TSIG key.
	CredentialTypeRNDC = "rndc"
)

// Well-known annotations.
const (
	// AnnotationOrdinal stores the stable ordinal a parent assigned to a child at creation time.
	AnnotationOrdinal = GroupName + "/ordinal"

	// AnnotationCreatedAt is the RFC3339 creation time of the current key material.
	AnnotationCreatedAt = GroupName + "/created-at"

	// AnnotationRotateAfter is the rotation interval of the key material as a Go duration.
	AnnotationRotateAfter = GroupName + "/rotate-after"

	// AnnotationRotationCount counts completed rotations.
	AnnotationRotationCount = GroupName + "/rotation-count"

	// AnnotationCredentialRotatedAt is stamped on pod templates to roll workloads after a rotation.
	AnnotationCredentialRotatedAt = GroupName + "/credential-rotated-at"

	// Finalizer guards external cleanup of zones, records and instances.
	Finalizer = GroupName + "/finalizer"
)

// Default values shared by the API types.
const (
	DefaultBind9Version = "9.18"
	DefaultBind9Image   = "internetsystemsconsortium/bind9"
	DefaultRecordTTL    = int32(300)
	DefaultZoneTTL      = int32(3600)
	DefaultSOARefresh   = int32(3600)
	DefaultSOARetry     = int32(600)
	DefaultSOAExpire    = int32(604800)
	DefaultSOANegative  = int32(86400)
)

// Role is the replication role of an Instance.
// +kubebuilder:validation:Enum=primary;secondary
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// SecretReference is a reference to a Kubernetes Secret.
type SecretReference struct {
	// Name of the Secret.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name"`

	// Namespace of the Secret. Defaults to the namespace of the referencing resource.
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// Key in the Secret. Defaults depend on context:
	// - For apiTokenSecretRef: "token"
	// - For rndcSecretRef: "rndc.key"
	// +optional
	Key string `json:"key,omitempty"`
}

// GetTokenKey returns the key for the API token in the secret.
func (r *SecretReference) GetTokenKey() string {
	if r.Key == "" {
		return "token"
	}
	return r.Key
}

// GetNamespace returns the secret namespace, falling back to the given default.
func (r *SecretReference) GetNamespace(defaultNamespace string) string {
	if r.Namespace == "" {
		return defaultNamespace
	}
	return r.Namespace
}

// SelectorRef selects resources of another kind by label.
type SelectorRef struct {
	// LabelSelector is evaluated against candidate labels in the same namespace.
	// An empty selector matches every candidate.
	LabelSelector metav1.LabelSelector `json:"labelSelector"`
}

// ResourceRef records a resolved relationship to another resource.
type ResourceRef struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	// +optional
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`

	// LastReconciledAt is when configuration was last pushed for this relationship.
	// +optional
	LastReconciledAt *metav1.Time `json:"lastReconciledAt,omitempty"`
}

// Key returns the namespace/name identity of the referenced resource.
func (r *ResourceRef) Key() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "/" + r.Name
}

// RotationSpec configures rotation of generated RNDC credentials.
type RotationSpec struct {
	// RotateAfter is the maximum age of generated key material.
	// Credentials without an interval are never rotated.
	// +optional
	RotateAfter *metav1.Duration `json:"rotateAfter,omitempty"`
}

// Interval returns the rotation interval and whether one is configured.
func (r *RotationSpec) Interval() (time.Duration, bool) {
	if r == nil || r.RotateAfter == nil || r.RotateAfter.Duration <= 0 {
		return 0, false
	}
	return r.RotateAfter.Duration, true
}

// ServerOptions are rendered into named.conf.options.
type ServerOptions struct {
	// Recursion enables recursive resolution. Defaults to false.
	// +optional
	Recursion *bool `json:"recursion,omitempty"`

	// AllowQuery lists address match elements allowed to query.
	// +optional
	AllowQuery []string `json:"allowQuery,omitempty"`

	// AllowTransfer lists address match elements allowed to transfer zones.
	// +optional
	AllowTransfer []string `json:"allowTransfer,omitempty"`

	// Forwarders used when recursion is enabled.
	// +optional
	Forwarders []string `json:"forwarders,omitempty"`
}

// IsRecursionEnabled returns whether recursion is enabled.
func (o *ServerOptions) IsRecursionEnabled() bool {
	return o.Recursion != nil && *o.Recursion
}

func imageFor(image, version string) string {
	if image != "" {
		return image
	}
	if version == "" {
		version = DefaultBind9Version
	}
	return DefaultBind9Image + ":" + version
}
