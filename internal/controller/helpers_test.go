package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/credential"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
)

const testNamespace = "dns"

func setupFakeClient(t *testing.T, objs ...client.Object) client.WithWatch {
	t.Helper()

	scheme, err := NewScheme()
	require.NoError(t, err)

	return fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(
			&v1alpha1.Provider{},
			&v1alpha1.Cluster{},
			&v1alpha1.Instance{},
			&v1alpha1.Zone{},
			&v1alpha1.Record{},
		).
		Build()
}

// syncStore relists every bind9 kind from c into store, the way the mirror
// does, and marks it synced.
func syncStore(t *testing.T, c client.Client, store *cache.Store) *cache.Store {
	t.Helper()

	if store == nil {
		var err error

		store, err = NewStore()
		require.NoError(t, err)
	}

	ctx := context.Background()

	for _, src := range cacheSources() {
		list, ok := src.List.DeepCopyObject().(client.ObjectList)
		require.True(t, ok)
		require.NoError(t, c.List(ctx, list))

		items, err := meta.ExtractList(list)
		require.NoError(t, err)

		objs := make([]client.Object, 0, len(items))
		for _, item := range items {
			obj, ok := item.(client.Object)
			require.True(t, ok)

			objs = append(objs, obj)
		}

		require.NoError(t, store.Replace(src.Kind, objs))
	}

	store.MarkSynced()

	return store
}

func readyCondition() metav1.Condition {
	return metav1.Condition{
		Type:               status.ConditionReady,
		Status:             metav1.ConditionTrue,
		Reason:             status.ReasonAllReady,
		LastTransitionTime: metav1.Now(),
	}
}

// readyInstance returns an Instance reporting Ready, labelled app=dns.
func readyInstance(name string, role v1alpha1.Role) *v1alpha1.Instance {
	return &v1alpha1.Instance{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels:    map[string]string{"app": "dns", v1alpha1.LabelRole: string(role)},
		},
		Spec: v1alpha1.InstanceSpec{Role: role},
		Status: v1alpha1.InstanceStatus{
			Conditions: []metav1.Condition{readyCondition()},
		},
	}
}

// keySecret returns the generated credential Secret of instance.
func keySecret(t *testing.T, instance *v1alpha1.Instance) *corev1.Secret {
	t.Helper()

	material, err := credential.Generate(instance.Name, "")
	require.NoError(t, err)

	return credential.NewSecret(instance.Namespace, credential.SecretName(instance.Name), material)
}

func selectApp(app string) []v1alpha1.SelectorRef {
	return []v1alpha1.SelectorRef{{LabelSelector: metav1.LabelSelector{
		MatchLabels: map[string]string{"app": app},
	}}}
}

func testZone(name, zoneName string) *v1alpha1.Zone {
	return &v1alpha1.Zone{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  testNamespace,
			Generation: 1,
			Labels:     map[string]string{"zone": name},
		},
		Spec: v1alpha1.ZoneSpec{
			ZoneName: zoneName,
			SOA: v1alpha1.SOARecord{
				PrimaryNS:  "ns1." + zoneName + ".",
				AdminEmail: "admin." + zoneName + ".",
			},
			InstancesFrom: selectApp("dns"),
			RecordsFrom:   selectApp("web"),
		},
	}
}

func testRecord(name, host, address string) *v1alpha1.Record {
	return &v1alpha1.Record{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  testNamespace,
			Generation: 1,
			Labels:     map[string]string{"app": "web"},
		},
		Spec: v1alpha1.RecordSpec{
			Name:      host,
			Type:      v1alpha1.RecordTypeA,
			Addresses: []string{address},
		},
	}
}

func request(namespace, name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: namespace, Name: name}}
}

func findCondition(conditions []metav1.Condition, conditionType string) *metav1.Condition {
	for i := range conditions {
		if conditions[i].Type == conditionType {
			return &conditions[i]
		}
	}

	return nil
}
