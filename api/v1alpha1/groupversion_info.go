// Package v1alpha1 contains API Schema definitions for the bind9 v1alpha1 API group.
// +kubebuilder:object:generate=true
// +groupName=bind9.k8s.lex.la
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

// GroupName is the API group served by the operator.
const GroupName = "bind9.k8s.lex.la"

//nolint:gochecknoglobals // scheme registration pattern
var (
	// GroupVersion is group version used to register these objects.
	GroupVersion = schema.GroupVersion{Group: GroupName, Version: "v1alpha1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme.
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)
