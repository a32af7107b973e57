package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
)

func TestRenderConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		options  v1alpha1.ServerOptions
		contains []string
		excludes []string
	}{
		{
			name:    "defaults",
			options: v1alpha1.ServerOptions{},
			contains: []string{
				"recursion no;",
				"allow-query { any; };",
				"allow-transfer { none; };",
			},
			excludes: []string{"forwarders"},
		},
		{
			name: "recursive resolver",
			options: v1alpha1.ServerOptions{
				Recursion:     ptr.To(true),
				AllowQuery:    []string{"10.0.0.0/8", "localhost"},
				AllowTransfer: []string{"key \"xfer\""},
				Forwarders:    []string{"192.0.2.53"},
			},
			contains: []string{
				"recursion yes;",
				"allow-query { 10.0.0.0/8; localhost; };",
				"allow-transfer { key \"xfer\"; };",
				"forwarders { 192.0.2.53; };",
			},
		},
		{
			name: "forwarders without recursion",
			options: v1alpha1.ServerOptions{
				Forwarders: []string{"192.0.2.53"},
			},
			contains: []string{"recursion no;"},
			excludes: []string{"forwarders"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			instance := testInstance("edge-primary-0")
			instance.Spec.Options = tt.options

			files, err := RenderConfig(instance, "edge-primary-0")
			require.NoError(t, err)
			require.Len(t, files, 3)

			options := files[namedConfOptionsKey]
			for _, want := range tt.contains {
				assert.Contains(t, options, want)
			}

			for _, unwanted := range tt.excludes {
				assert.NotContains(t, options, unwanted)
			}

			assert.Contains(t, files[namedConfKey], `include "/etc/bind/named.conf.options";`)
			assert.Contains(t, files[namedConfKey], `include "/etc/bind/keys/rndc.key";`)
			assert.Contains(t, files[namedConfKey], "inet * port 953")
		})
	}
}

func TestConfigHash(t *testing.T) {
	t.Parallel()

	a := map[string]string{"named.conf": "x", "rndc.conf": "y"}
	b := map[string]string{"rndc.conf": "y", "named.conf": "x"}
	c := map[string]string{"named.conf": "x", "rndc.conf": "z"}

	assert.Len(t, configHash(a), 16)
	assert.Equal(t, configHash(a), configHash(b))
	assert.NotEqual(t, configHash(a), configHash(c))

	// Key boundaries are part of the hash.
	assert.NotEqual(t,
		configHash(map[string]string{"ab": "c"}),
		configHash(map[string]string{"a": "bc"}))
}

func TestMutateStatefulSet(t *testing.T) {
	t.Parallel()

	instance := testInstance("edge-primary-0")
	instance.Spec.Replicas = ptr.To[int32](2)
	instance.Spec.APITokenSecretRef = &v1alpha1.SecretReference{Name: "api-token"}
	instance.Labels = map[string]string{v1alpha1.LabelCluster: "edge"}

	params := workloadParams{
		SidecarImage: "example.com/bindcar:1.0",
		ConfigMap:    "edge-primary-0",
		KeySecret:    "edge-primary-0-rndc-key",
		ConfigHash:   "abc",
	}

	sts := &appsv1.StatefulSet{}
	mutateStatefulSet(sts, instance, params)

	require.NotNil(t, sts.Spec.Selector)
	assert.Equal(t, podLabels(instance), sts.Spec.Selector.MatchLabels)
	assert.Equal(t, int32(2), *sts.Spec.Replicas)
	assert.Equal(t, "edge", sts.Labels[v1alpha1.LabelCluster])
	assert.Equal(t, "abc", sts.Spec.Template.Annotations[configHashAnnotation])

	sidecar := sts.Spec.Template.Spec.Containers[1]
	assert.Equal(t, "example.com/bindcar:1.0", sidecar.Image)

	envNames := make([]string, 0, len(sidecar.Env))
	for _, env := range sidecar.Env {
		envNames = append(envNames, env.Name)
	}

	assert.Equal(t, []string{"BIND_ZONE_DIR", "API_PORT", "RNDC_SECRET", "RNDC_ALGORITHM", "API_TOKEN"}, envNames)
	assert.Equal(t, "token", sidecar.Env[4].ValueFrom.SecretKeyRef.Key)

	// An existing workload keeps its immutable selector and the restart stamp
	// left by a credential rotation.
	sts.CreationTimestamp = metav1.Now()
	sts.Spec.Selector = &metav1.LabelSelector{MatchLabels: map[string]string{"legacy": "true"}}
	sts.Spec.Template.Annotations[v1alpha1.AnnotationCredentialRotatedAt] = "2026-03-01T12:00:00Z"

	params.ConfigHash = "def"
	mutateStatefulSet(sts, instance, params)

	assert.Equal(t, map[string]string{"legacy": "true"}, sts.Spec.Selector.MatchLabels)
	assert.Equal(t, "def", sts.Spec.Template.Annotations[configHashAnnotation])
	assert.Equal(t, "2026-03-01T12:00:00Z", sts.Spec.Template.Annotations[v1alpha1.AnnotationCredentialRotatedAt])
}
