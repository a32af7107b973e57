package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/credential"
)

func TestNewResolver(t *testing.T) {
	t.Parallel()

	resolver := config.NewResolver(setupFakeClient(), "")
	require.NotNil(t, resolver)

	instance := newInstance("primary-0")
	assert.Equal(t, "primary-0.dns.svc.cluster.local", resolver.Endpoint(instance))
}

func TestServiceHost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ns1.dns.svc.cluster.local", config.ServiceHost("ns1", "dns", ""))
	assert.Equal(t, "ns1.dns.svc.k8s.example", config.ServiceHost("ns1", "dns", "k8s.example"))
}

func TestResolveTarget_GeneratedCredential(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	instance := newInstance("primary-0")
	key := generatedKey(t, "primary-0")

	resolver := config.NewResolver(
		setupFakeClient(instance, credential.NewSecret("dns", credential.SecretName("primary-0"), key)),
		"k8s.example",
	)

	target, err := resolver.ResolveTarget(ctx, instance)
	require.NoError(t, err)

	assert.Equal(t, "dns/primary-0", target.Name)
	assert.Equal(t, v1alpha1.RolePrimary, target.Role)
	assert.Equal(t, "http://primary-0.dns.svc.k8s.example:8080", target.APIURL)
	assert.Equal(t, "primary-0.dns.svc.k8s.example:53", target.DNSAddr)
	assert.Equal(t, key.Secret, target.Key.Secret)
	assert.Equal(t, "primary-0", target.Key.KeyName)
	assert.True(t, target.Key.Managed())
	assert.Empty(t, target.Token)
}

func TestResolveTarget_ExternalCredentialAndToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	instance := newInstance("secondary-0")
	instance.Spec.Role = v1alpha1.RoleSecondary
	instance.Spec.RNDCSecretRef = &v1alpha1.SecretReference{Name: "shared-key", Namespace: "keys"}
	instance.Spec.APITokenSecretRef = &v1alpha1.SecretReference{Name: "api", Key: "api-token"}

	keySecret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "shared-key", Namespace: "keys"},
		Data: map[string][]byte{
			credential.DataRNDCKey: []byte("key \"shared\" {\n    algorithm hmac-sha512;\n    secret \"c2VjcmV0\";\n};\n"),
		},
	}

	tokenSecret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "dns"},
		Data:       map[string][]byte{"api-token": []byte("test-api-token")},
	}

	resolver := config.NewResolver(setupFakeClient(instance, keySecret, tokenSecret), "")

	target, err := resolver.ResolveTarget(ctx, instance)
	require.NoError(t, err)

	assert.Equal(t, v1alpha1.RoleSecondary, target.Role)
	assert.Equal(t, "shared", target.Key.KeyName)
	assert.Equal(t, "hmac-sha512", target.Key.Algorithm)
	assert.False(t, target.Key.Managed())
	assert.Equal(t, "test-api-token", target.Token)
}

func TestResolveTarget_MissingCredential(t *testing.T) {
	t.Parallel()

	instance := newInstance("primary-0")
	resolver := config.NewResolver(setupFakeClient(instance), "")

	_, err := resolver.ResolveTarget(context.Background(), instance)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrCredentialMissing))
}

func TestResolveTarget_InvalidCredential(t *testing.T) {
	t.Parallel()

	instance := newInstance("primary-0")
	broken := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: credential.SecretName("primary-0"), Namespace: "dns"},
		Data:       map[string][]byte{"unrelated": []byte("x")},
	}

	resolver := config.NewResolver(setupFakeClient(instance, broken), "")

	_, err := resolver.ResolveTarget(context.Background(), instance)
	require.Error(t, err)
	assert.False(t, errors.Is(err, config.ErrCredentialMissing))
	assert.True(t, errors.Is(err, credential.ErrIncomplete))
}

func TestResolveTarget_TokenKeyMissing(t *testing.T) {
	t.Parallel()

	instance := newInstance("primary-0")
	instance.Spec.APITokenSecretRef = &v1alpha1.SecretReference{Name: "api"}

	tokenSecret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "dns"},
		Data:       map[string][]byte{"wrong": []byte("x")},
	}

	resolver := config.NewResolver(setupFakeClient(
		instance, tokenSecret,
		credential.NewSecret("dns", credential.SecretName("primary-0"), generatedKey(t, "primary-0")),
	), "")

	_, err := resolver.ResolveTarget(context.Background(), instance)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not contain key token")
}

func TestResolveCredential_FollowsRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key := generatedKey(t, "primary-0")
	secret := credential.NewSecret("dns", credential.SecretName("primary-0"), key)

	c := setupFakeClient(secret)
	resolver := config.NewResolver(c, "")
	ref := types.NamespacedName{Namespace: "dns", Name: secret.Name}

	first, err := resolver.ResolveCredential(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, key.Secret, first.Secret)

	cached, err := resolver.ResolveCredential(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	rotated, err := credential.Rotate(key, time.Now())
	require.NoError(t, err)

	current := &corev1.Secret{}
	require.NoError(t, c.Get(ctx, ref, current))
	credential.ApplyToSecret(rotated, current)
	require.NoError(t, c.Update(ctx, current))

	second, err := resolver.ResolveCredential(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, rotated.Secret, second.Secret)
	assert.Equal(t, 1, second.RotationCount)
}

func TestCredentialSecretRef(t *testing.T) {
	t.Parallel()

	instance := newInstance("primary-0")
	assert.Equal(t, types.NamespacedName{Namespace: "dns", Name: "primary-0-rndc-key"}, config.CredentialSecretRef(instance))

	instance.Spec.RNDCSecretRef = &v1alpha1.SecretReference{Name: "external"}
	assert.Equal(t, types.NamespacedName{Namespace: "dns", Name: "external"}, config.CredentialSecretRef(instance))
}

func generatedKey(t *testing.T, name string) credential.Material {
	t.Helper()

	key, err := credential.Generate(name, credential.DefaultAlgorithm)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	key.CreatedAt = &now

	return key
}

func newInstance(name string) *v1alpha1.Instance {
	return &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "dns"},
	}
}

func setupFakeClient(objs ...client.Object) client.Client {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1alpha1.AddToScheme(scheme))

	return fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		Build()
}
