// Package credential models the RNDC/TSIG key a BIND9 Instance is
// administered with, and its representation as a Kubernetes Secret.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
)

// Secret data keys.
const (
	DataKeyName   = "key-name"
	DataAlgorithm = "algorithm"
	DataSecret    = "secret"
	DataRNDCKey   = "rndc.key"
)

// DefaultAlgorithm is used for generated keys.
const DefaultAlgorithm = "hmac-sha256"

// keyBytes is the size of generated key material.
const keyBytes = 32

// ErrUnsupportedAlgorithm is returned for algorithms BIND9 and TSIG do not share.
var ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")

// ErrIncomplete is returned when a Secret carries neither the key fields nor rndc.key.
var ErrIncomplete = errors.New("secret must contain key-name, algorithm and secret, or rndc.key")

//nolint:gochecknoglobals // lookup table
var tsigAlgorithms = map[string]string{
	"hmac-md5":    dns.HmacMD5,
	"hmac-sha1":   dns.HmacSHA1,
	"hmac-sha224": dns.HmacSHA224,
	"hmac-sha256": dns.HmacSHA256,
	"hmac-sha384": dns.HmacSHA384,
	"hmac-sha512": dns.HmacSHA512,
}

//nolint:gochecknoglobals // compiled once
var (
	keyNamePattern   = regexp.MustCompile(`key\s+"([^"]+)"`)
	algorithmPattern = regexp.MustCompile(`algorithm\s+([A-Za-z0-9-]+)\s*;`)
	secretPattern    = regexp.MustCompile(`secret\s+"([^"]+)"\s*;`)
)

// Material is a symmetric key plus its rotation bookkeeping.
type Material struct {
	KeyName   string
	Algorithm string
	Secret    string

	// CreatedAt is nil for externally managed keys.
	CreatedAt *time.Time

	// RotateAfter is zero when the key never rotates.
	RotateAfter time.Duration

	RotationCount int
}

// Managed reports whether the operator owns the key lifecycle.
func (m Material) Managed() bool {
	return m.CreatedAt != nil
}

// TSIGAlgorithm returns the miekg/dns algorithm name for the key.
func (m Material) TSIGAlgorithm() (string, error) {
	return TSIGAlgorithm(m.Algorithm)
}

// TSIGKeyName returns the key name in canonical (fully qualified) form.
func (m Material) TSIGKeyName() string {
	return dns.Fqdn(m.KeyName)
}

// TSIGAlgorithm maps a BIND9 algorithm name to the miekg/dns algorithm name.
func TSIGAlgorithm(algorithm string) (string, error) {
	alg, ok := tsigAlgorithms[strings.ToLower(algorithm)]
	if !ok {
		return "", errors.Wrapf(ErrUnsupportedAlgorithm, "%q", algorithm)
	}

	return alg, nil
}

// Generate creates fresh key material.
func Generate(keyName, algorithm string) (Material, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}

	_, err := TSIGAlgorithm(algorithm)
	if err != nil {
		return Material{}, err
	}

	buf := make([]byte, keyBytes)

	_, err = rand.Read(buf)
	if err != nil {
		return Material{}, errors.Wrap(err, "failed to read random key material")
	}

	return Material{
		KeyName:   keyName,
		Algorithm: strings.ToLower(algorithm),
		Secret:    base64.StdEncoding.EncodeToString(buf),
	}, nil
}

// RenderRNDCKey renders the key in rndc.key / named.conf syntax.
func RenderRNDCKey(m Material) string {
	return fmt.Sprintf("key %q {\n    algorithm %s;\n    secret %q;\n};\n", m.KeyName, m.Algorithm, m.Secret)
}

// ParseRNDCKey parses rndc.key content.
func ParseRNDCKey(content string) (Material, error) {
	name := keyNamePattern.FindStringSubmatch(content)
	if name == nil {
		return Material{}, errors.New("failed to parse key name from rndc.key")
	}

	alg := algorithmPattern.FindStringSubmatch(content)
	if alg == nil {
		return Material{}, errors.New("failed to parse algorithm from rndc.key")
	}

	secret := secretPattern.FindStringSubmatch(content)
	if secret == nil {
		return Material{}, errors.New("failed to parse secret from rndc.key")
	}

	_, err := TSIGAlgorithm(alg[1])
	if err != nil {
		return Material{}, err
	}

	return Material{KeyName: name[1], Algorithm: strings.ToLower(alg[1]), Secret: secret[1]}, nil
}

// FromSecret reads key material and rotation annotations from a Secret.
func FromSecret(secret *corev1.Secret) (Material, error) {
	var (
		m   Material
		err error
	)

	keyName, hasName := secret.Data[DataKeyName]
	algorithm, hasAlg := secret.Data[DataAlgorithm]
	value, hasSecret := secret.Data[DataSecret]

	switch {
	case hasName && hasAlg && hasSecret:
		m = Material{KeyName: string(keyName), Algorithm: strings.ToLower(string(algorithm)), Secret: string(value)}

		_, err = TSIGAlgorithm(m.Algorithm)
		if err != nil {
			return Material{}, err
		}
	case len(secret.Data[DataRNDCKey]) > 0:
		m, err = ParseRNDCKey(string(secret.Data[DataRNDCKey]))
		if err != nil {
			return Material{}, err
		}
	default:
		return Material{}, errors.Wrapf(ErrIncomplete, "secret %s/%s", secret.Namespace, secret.Name)
	}

	err = readAnnotations(secret.Annotations, &m)
	if err != nil {
		return Material{}, errors.Wrapf(err, "secret %s/%s", secret.Namespace, secret.Name)
	}

	return m, nil
}

func readAnnotations(annotations map[string]string, m *Material) error {
	if raw, ok := annotations[v1alpha1.AnnotationCreatedAt]; ok {
		created, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errors.Wrap(err, "failed to parse created-at annotation")
		}

		m.CreatedAt = &created
	}

	if raw, ok := annotations[v1alpha1.AnnotationRotateAfter]; ok && raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrap(err, "failed to parse rotate-after annotation")
		}

		m.RotateAfter = interval
	}

	if raw, ok := annotations[v1alpha1.AnnotationRotationCount]; ok && raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Wrap(err, "failed to parse rotation-count annotation")
		}

		m.RotationCount = count
	}

	return nil
}

// ApplyToSecret writes the material into a Secret in place, keeping its identity.
func ApplyToSecret(m Material, secret *corev1.Secret) {
	secret.Type = corev1.SecretTypeOpaque
	secret.Data = map[string][]byte{
		DataKeyName:   []byte(m.KeyName),
		DataAlgorithm: []byte(m.Algorithm),
		DataSecret:    []byte(m.Secret),
		DataRNDCKey:   []byte(RenderRNDCKey(m)),
	}

	if secret.Labels == nil {
		secret.Labels = map[string]string{}
	}

	secret.Labels[v1alpha1.LabelCredential] = v1alpha1.CredentialTypeRNDC

	if secret.Annotations == nil {
		secret.Annotations = map[string]string{}
	}

	if m.CreatedAt != nil {
		secret.Annotations[v1alpha1.AnnotationCreatedAt] = m.CreatedAt.UTC().Format(time.RFC3339)
	} else {
		delete(secret.Annotations, v1alpha1.AnnotationCreatedAt)
	}

	if m.RotateAfter > 0 {
		secret.Annotations[v1alpha1.AnnotationRotateAfter] = m.RotateAfter.String()
	} else {
		delete(secret.Annotations, v1alpha1.AnnotationRotateAfter)
	}

	secret.Annotations[v1alpha1.AnnotationRotationCount] = strconv.Itoa(m.RotationCount)
}

// NewSecret builds a managed credential Secret.
func NewSecret(namespace, name string, m Material) *corev1.Secret {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels: map[string]string{
				v1alpha1.LabelManagedBy: v1alpha1.ManagedByValue,
			},
		},
	}

	ApplyToSecret(m, secret)

	return secret
}

// IsCredentialSecret reports whether a Secret is labelled as RNDC key material.
func IsCredentialSecret(secret *corev1.Secret) bool {
	return secret.Labels[v1alpha1.LabelCredential] == v1alpha1.CredentialTypeRNDC
}

// Rotate replaces the key in m with fresh material of the same name and
// algorithm, stamps now as the creation time and bumps the counter.
func Rotate(m Material, now time.Time) (Material, error) {
	fresh, err := Generate(m.KeyName, m.Algorithm)
	if err != nil {
		return Material{}, err
	}

	created := now.UTC().Truncate(time.Second)

	fresh.CreatedAt = &created
	fresh.RotateAfter = m.RotateAfter
	fresh.RotationCount = m.RotationCount + 1

	return fresh, nil
}

// SecretName returns the name of the generated credential Secret of an Instance.
func SecretName(instance string) string {
	return instance + "-rndc-key"
}
