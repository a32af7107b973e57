// Package config resolves how the operator reaches a BIND9 Instance: its
// in-cluster endpoints, its RNDC/TSIG key and its sidecar API token.
package config

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/credential"
)

// DefaultClusterDomain is the DNS suffix of in-cluster Services.
const DefaultClusterDomain = "cluster.local"

// ErrCredentialMissing is returned when an Instance's key Secret does not exist yet.
var ErrCredentialMissing = errors.New("credential secret not found")

type cachedKey struct {
	resourceVersion string
	material        credential.Material
}

// Resolver resolves Instances into adapter targets.
type Resolver struct {
	client        client.Client
	clusterDomain string

	// keyCache holds parsed key material by Secret namespace/name and is
	// invalidated by resourceVersion.
	keyCache sync.Map
}

// NewResolver creates a new Resolver.
func NewResolver(c client.Client, clusterDomain string) *Resolver {
	if clusterDomain == "" {
		clusterDomain = DefaultClusterDomain
	}

	return &Resolver{
		client:        c,
		clusterDomain: clusterDomain,
	}
}

// ServiceHost returns the in-cluster DNS name of an Instance Service.
func ServiceHost(name, namespace, clusterDomain string) string {
	if clusterDomain == "" {
		clusterDomain = DefaultClusterDomain
	}

	return name + "." + namespace + ".svc." + clusterDomain
}

// Endpoint returns the in-cluster DNS name of instance.
func (r *Resolver) Endpoint(instance *v1alpha1.Instance) string {
	return ServiceHost(instance.Name, instance.Namespace, r.clusterDomain)
}

// CredentialSecretRef returns the Secret holding the key of instance.
func CredentialSecretRef(instance *v1alpha1.Instance) types.NamespacedName {
	if ref := instance.Spec.RNDCSecretRef; ref != nil {
		return types.NamespacedName{Namespace: ref.GetNamespace(instance.Namespace), Name: ref.Name}
	}

	return types.NamespacedName{Namespace: instance.Namespace, Name: credential.SecretName(instance.Name)}
}

// ResolveTarget returns everything the adapter needs to talk to instance.
func (r *Resolver) ResolveTarget(ctx context.Context, instance *v1alpha1.Instance) (bind9.Target, error) {
	host := r.Endpoint(instance)

	target := bind9.Target{
		Name:    instance.Namespace + "/" + instance.Name,
		Role:    instance.Spec.GetRole(),
		APIURL:  "http://" + net.JoinHostPort(host, strconv.Itoa(bind9.APIPort)),
		DNSAddr: net.JoinHostPort(host, strconv.Itoa(bind9.DNSPort)),
	}

	key, err := r.ResolveCredential(ctx, CredentialSecretRef(instance))
	if err != nil {
		return bind9.Target{}, err
	}

	target.Key = key

	if ref := instance.Spec.APITokenSecretRef; ref != nil {
		token, err := r.resolveToken(ctx, ref, instance.Namespace)
		if err != nil {
			return bind9.Target{}, err
		}

		target.Token = token
	}

	return target, nil
}

// ResolveCredential loads and parses the key Secret.
func (r *Resolver) ResolveCredential(ctx context.Context, ref types.NamespacedName) (credential.Material, error) {
	secret := &corev1.Secret{}

	err := r.client.Get(ctx, ref, secret)
	if apierrors.IsNotFound(err) {
		return credential.Material{}, errors.Mark(
			errors.Wrapf(err, "credential secret %s", ref), ErrCredentialMissing)
	}

	if err != nil {
		return credential.Material{}, errors.Wrapf(err, "failed to get credential secret %s", ref)
	}

	if cached, ok := r.keyCache.Load(ref.String()); ok {
		if entry, valid := cached.(cachedKey); valid && entry.resourceVersion == secret.ResourceVersion {
			return entry.material, nil
		}
	}

	material, err := credential.FromSecret(secret)
	if err != nil {
		return credential.Material{}, errors.Wrapf(err, "invalid credential secret %s", ref)
	}

	r.keyCache.Store(ref.String(), cachedKey{resourceVersion: secret.ResourceVersion, material: material})

	return material, nil
}

//nolint:wrapcheck // errors.Newf creates new errors
func (r *Resolver) resolveToken(ctx context.Context, ref *v1alpha1.SecretReference, namespace string) (string, error) {
	secret, err := r.getSecret(ctx, ref.Name, ref.GetNamespace(namespace))
	if err != nil {
		return "", errors.Wrap(err, "failed to get API token secret")
	}

	key := ref.GetTokenKey()

	token, ok := secret.Data[key]
	if !ok {
		return "", errors.Newf("secret %s/%s does not contain key %s", secret.Namespace, secret.Name, key)
	}

	return string(token), nil
}

func (r *Resolver) getSecret(ctx context.Context, name, namespace string) (*corev1.Secret, error) {
	secret := &corev1.Secret{}

	err := r.client.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, secret)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get secret %s/%s", namespace, name)
	}

	return secret, nil
}
