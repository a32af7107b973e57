package controller

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"maps"
	"slices"
	"strconv"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/credential"
)

// DefaultSidecarImage is the sidecar API image used when none is configured.
const DefaultSidecarImage = "ghcr.io/firestoned/bindcar:latest"

// Paths inside the server pod.
const (
	configDir = "/etc/bind"
	keyDir    = "/etc/bind/keys"
	cacheDir  = "/var/cache/bind"
)

// ConfigMap keys.
const (
	namedConfKey        = "named.conf"
	namedConfOptionsKey = "named.conf.options"
	rndcConfKey         = "rndc.conf"
)

const (
	containerBind9   = "bind9"
	containerSidecar = "api"

	volumeConfig = "config"
	volumeKey    = "rndc-key"
	volumeCache  = "cache"

	// configHashAnnotation rolls the pods when the rendered configuration changes.
	configHashAnnotation = v1alpha1.GroupName + "/config-hash"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

//nolint:gochecknoglobals // parsed once
var configTemplates = template.Must(
	template.New("bind9").Funcs(templateFuncs()).ParseFS(templateFS, "templates/*.tmpl"),
)

// templateFuncs returns the sprig functions without the ones that reach
// outside the template.
func templateFuncs() template.FuncMap {
	f := sprig.TxtFuncMap()
	delete(f, "env")
	delete(f, "expandenv")

	return f
}

type configData struct {
	Instance      string
	Role          v1alpha1.Role
	KeyName       string
	ConfigDir     string
	KeyDir        string
	CacheDir      string
	DNSPort       int
	RNDCPort      int
	Recursion     bool
	AllowQuery    []string
	AllowTransfer []string
	Forwarders    []string
}

// RenderConfig renders named.conf, named.conf.options and rndc.conf for an
// Instance administered with keyName.
func RenderConfig(instance *v1alpha1.Instance, keyName string) (map[string]string, error) {
	opts := instance.Spec.Options

	data := configData{
		Instance:      instance.Name,
		Role:          instance.Spec.GetRole(),
		KeyName:       keyName,
		ConfigDir:     configDir,
		KeyDir:        keyDir,
		CacheDir:      cacheDir,
		DNSPort:       bind9.DNSPort,
		RNDCPort:      bind9.RNDCPort,
		Recursion:     opts.IsRecursionEnabled(),
		AllowQuery:    orDefault(opts.AllowQuery, "any"),
		AllowTransfer: orDefault(opts.AllowTransfer, "none"),
		Forwarders:    opts.Forwarders,
	}

	out := make(map[string]string, 3)

	for _, key := range []string{namedConfKey, namedConfOptionsKey, rndcConfKey} {
		var buf bytes.Buffer

		err := configTemplates.ExecuteTemplate(&buf, key+".tmpl", data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to render %s", key)
		}

		out[key] = buf.String()
	}

	return out, nil
}

func orDefault(values []string, def string) []string {
	if len(values) == 0 {
		return []string{def}
	}

	return values
}

// configHash returns a stable digest of the rendered configuration.
func configHash(files map[string]string) string {
	h := sha256.New()

	for _, key := range slices.Sorted(maps.Keys(files)) {
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(files[key]))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// podLabels are the labels of an Instance's pods and its Service selector.
func podLabels(instance *v1alpha1.Instance) map[string]string {
	return map[string]string{
		v1alpha1.LabelName:      v1alpha1.AppNameBind9,
		v1alpha1.LabelInstance:  instance.Name,
		v1alpha1.LabelComponent: v1alpha1.ComponentServer,
	}
}

// ownedLabels are set on every object an Instance owns.
func ownedLabels(instance *v1alpha1.Instance) map[string]string {
	lbls := podLabels(instance)
	lbls[v1alpha1.LabelManagedBy] = v1alpha1.ManagedByValue
	lbls[v1alpha1.LabelPartOf] = v1alpha1.PartOfValue
	lbls[v1alpha1.LabelRole] = string(instance.Spec.GetRole())

	if cluster := instance.Labels[v1alpha1.LabelCluster]; cluster != "" {
		lbls[v1alpha1.LabelCluster] = cluster
	}

	return lbls
}

// mutateService sets the desired ports and selector, leaving allocated
// fields such as the cluster IP alone.
func mutateService(svc *corev1.Service, instance *v1alpha1.Instance) {
	svc.Labels = mergeLabels(svc.Labels, ownedLabels(instance))
	svc.Spec.Type = corev1.ServiceTypeClusterIP
	svc.Spec.Selector = podLabels(instance)
	svc.Spec.Ports = []corev1.ServicePort{
		{Name: "dns-udp", Port: bind9.DNSPort, Protocol: corev1.ProtocolUDP, TargetPort: intstr.FromString("dns-udp")},
		{Name: "dns-tcp", Port: bind9.DNSPort, Protocol: corev1.ProtocolTCP, TargetPort: intstr.FromString("dns-tcp")},
		{Name: "rndc", Port: bind9.RNDCPort, Protocol: corev1.ProtocolTCP, TargetPort: intstr.FromString("rndc")},
		{Name: "http", Port: bind9.APIPort, Protocol: corev1.ProtocolTCP, TargetPort: intstr.FromString("http")},
	}
}

// mutateConfigMap writes the rendered configuration.
func mutateConfigMap(cm *corev1.ConfigMap, instance *v1alpha1.Instance, files map[string]string) {
	cm.Labels = mergeLabels(cm.Labels, ownedLabels(instance))
	cm.Data = maps.Clone(files)
}

type workloadParams struct {
	SidecarImage string
	ConfigMap    string
	KeySecret    string
	ConfigHash   string
}

// mutateStatefulSet writes the desired workload. The pod template keeps a
// credential restart stamp written by the rotation controller.
func mutateStatefulSet(sts *appsv1.StatefulSet, instance *v1alpha1.Instance, params workloadParams) {
	sts.Labels = mergeLabels(sts.Labels, ownedLabels(instance))

	if sts.CreationTimestamp.IsZero() {
		sts.Spec.Selector = &metav1.LabelSelector{MatchLabels: podLabels(instance)}
	}

	sts.Spec.ServiceName = instance.Name
	sts.Spec.Replicas = new(int32)
	*sts.Spec.Replicas = instance.Spec.GetReplicas()
	sts.Spec.PodManagementPolicy = appsv1.ParallelPodManagement

	annotations := map[string]string{configHashAnnotation: params.ConfigHash}
	if stamp, ok := sts.Spec.Template.Annotations[v1alpha1.AnnotationCredentialRotatedAt]; ok {
		annotations[v1alpha1.AnnotationCredentialRotatedAt] = stamp
	}

	sts.Spec.Template.Labels = ownedLabels(instance)
	sts.Spec.Template.Annotations = annotations
	sts.Spec.Template.Spec = podSpec(instance, params)
}

func podSpec(instance *v1alpha1.Instance, params workloadParams) corev1.PodSpec {
	keyMode := int32(0o440)

	return corev1.PodSpec{
		Containers: []corev1.Container{
			bind9Container(instance),
			sidecarContainer(instance, params),
		},
		Volumes: []corev1.Volume{
			{
				Name: volumeConfig,
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: params.ConfigMap},
					},
				},
			},
			{
				Name: volumeKey,
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName:  params.KeySecret,
						DefaultMode: &keyMode,
						Items:       []corev1.KeyToPath{{Key: credential.DataRNDCKey, Path: "rndc.key"}},
					},
				},
			},
			{
				Name:         volumeCache,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			},
		},
	}
}

func bind9Container(instance *v1alpha1.Instance) corev1.Container {
	return corev1.Container{
		Name:  containerBind9,
		Image: instance.Spec.GetImage(),
		Args:  []string{"-g", "-c", configDir + "/" + namedConfKey},
		Ports: []corev1.ContainerPort{
			{Name: "dns-udp", ContainerPort: bind9.DNSPort, Protocol: corev1.ProtocolUDP},
			{Name: "dns-tcp", ContainerPort: bind9.DNSPort, Protocol: corev1.ProtocolTCP},
			{Name: "rndc", ContainerPort: bind9.RNDCPort, Protocol: corev1.ProtocolTCP},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString("dns-tcp")},
			},
			PeriodSeconds: 10,
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: volumeConfig, MountPath: configDir + "/" + namedConfKey, SubPath: namedConfKey, ReadOnly: true},
			{Name: volumeConfig, MountPath: configDir + "/" + namedConfOptionsKey, SubPath: namedConfOptionsKey, ReadOnly: true},
			{Name: volumeConfig, MountPath: configDir + "/" + rndcConfKey, SubPath: rndcConfKey, ReadOnly: true},
			{Name: volumeKey, MountPath: keyDir, ReadOnly: true},
			{Name: volumeCache, MountPath: cacheDir},
		},
	}
}

func sidecarContainer(instance *v1alpha1.Instance, params workloadParams) corev1.Container {
	env := []corev1.EnvVar{
		{Name: "BIND_ZONE_DIR", Value: cacheDir},
		{Name: "API_PORT", Value: strconv.Itoa(bind9.APIPort)},
		secretEnv("RNDC_SECRET", params.KeySecret, credential.DataSecret),
		secretEnv("RNDC_ALGORITHM", params.KeySecret, credential.DataAlgorithm),
	}

	if ref := instance.Spec.APITokenSecretRef; ref != nil {
		env = append(env, secretEnv("API_TOKEN", ref.Name, ref.GetTokenKey()))
	}

	return corev1.Container{
		Name:  containerSidecar,
		Image: params.SidecarImage,
		Ports: []corev1.ContainerPort{
			{Name: "http", ContainerPort: bind9.APIPort, Protocol: corev1.ProtocolTCP},
		},
		Env: env,
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString("http")},
			},
			PeriodSeconds: 10,
		},
		VolumeMounts: []corev1.VolumeMount{
			{Name: volumeCache, MountPath: cacheDir},
			{Name: volumeKey, MountPath: keyDir, ReadOnly: true},
		},
	}
}

func secretEnv(name, secret, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			},
		},
	}
}

func mergeLabels(current, desired map[string]string) map[string]string {
	if current == nil {
		current = make(map[string]string, len(desired))
	}

	maps.Copy(current, desired)

	return current
}
