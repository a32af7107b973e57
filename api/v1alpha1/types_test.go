package v1alpha1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

const testModifiedValue = "modified"

func TestClusterSpec_Defaults(t *testing.T) {
	t.Parallel()

	spec := &ClusterSpec{}

	assert.Equal(t, int32(1), spec.GetPrimaryReplicas())
	assert.Equal(t, int32(0), spec.GetSecondaryReplicas())
	assert.Equal(t, "9.18", spec.GetVersion())
	assert.Equal(t, "internetsystemsconsortium/bind9:9.18", spec.GetImage())
}

func TestClusterSpec_Custom(t *testing.T) {
	t.Parallel()

	spec := &ClusterSpec{
		Version:   "9.20",
		Primary:   ReplicaSpec{Replicas: ptr.To[int32](2)},
		Secondary: ReplicaSpec{Replicas: ptr.To[int32](3)},
	}

	assert.Equal(t, int32(2), spec.GetPrimaryReplicas())
	assert.Equal(t, int32(3), spec.GetSecondaryReplicas())
	assert.Equal(t, "internetsystemsconsortium/bind9:9.20", spec.GetImage())

	spec.Image = "registry.example.com/bind9:custom"
	assert.Equal(t, "registry.example.com/bind9:custom", spec.GetImage())
}

func TestInstanceSpec_Defaults(t *testing.T) {
	t.Parallel()

	spec := &InstanceSpec{}

	assert.Equal(t, RolePrimary, spec.GetRole())
	assert.Equal(t, int32(1), spec.GetReplicas())
	assert.Equal(t, DefaultBind9Version, spec.GetVersion())
}

func TestZoneSpec_Defaults(t *testing.T) {
	t.Parallel()

	spec := &ZoneSpec{
		ZoneName: "example.com",
		SOA:      SOARecord{PrimaryNS: "ns1.example.com.", AdminEmail: "admin.example.com."},
	}

	assert.Equal(t, int32(3600), spec.GetTTL())
	assert.Equal(t, []string{"ns1.example.com."}, spec.GetNameServers())
	assert.Equal(t, int32(3600), spec.SOA.GetRefresh())
	assert.Equal(t, int32(600), spec.SOA.GetRetry())
	assert.Equal(t, int32(604800), spec.SOA.GetExpire())
	assert.Equal(t, int32(86400), spec.SOA.GetNegativeTTL())
}

func TestRecordSpec_GetTTL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(300), (&RecordSpec{}).GetTTL())
	assert.Equal(t, int32(60), (&RecordSpec{TTL: ptr.To[int32](60)}).GetTTL())
}

func TestRotationSpec_Interval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       *RotationSpec
		expected time.Duration
		ok       bool
	}{
		{name: "nil spec", in: nil},
		{name: "no interval", in: &RotationSpec{}},
		{name: "zero interval", in: &RotationSpec{RotateAfter: &metav1.Duration{}}},
		{
			name:     "configured",
			in:       &RotationSpec{RotateAfter: &metav1.Duration{Duration: 24 * time.Hour}},
			expected: 24 * time.Hour,
			ok:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := tt.in.Interval()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSecretReference_Defaults(t *testing.T) {
	t.Parallel()

	ref := &SecretReference{Name: "token"}

	assert.Equal(t, "token", ref.GetTokenKey())
	assert.Equal(t, "dns", ref.GetNamespace("dns"))

	ref.Key = "api-token"
	ref.Namespace = "other"

	assert.Equal(t, "api-token", ref.GetTokenKey())
	assert.Equal(t, "other", ref.GetNamespace("dns"))
}

func TestZone_DeepCopy(t *testing.T) {
	t.Parallel()

	in := &Zone{
		ObjectMeta: metav1.ObjectMeta{Name: "example", Namespace: "dns"},
		Spec: ZoneSpec{
			ZoneName:      "example.com",
			TTL:           ptr.To[int32](60),
			NameServerIPs: map[string]string{"ns1.example.com.": "10.0.0.1"},
			InstancesFrom: []SelectorRef{{
				LabelSelector: metav1.LabelSelector{MatchLabels: map[string]string{"env": "prod"}},
			}},
		},
		Status: ZoneStatus{
			Targets: []TargetRef{{ResourceRef: ResourceRef{Name: "a"}, Ordinal: 0}},
		},
	}

	out := in.DeepCopy()
	require.NotNil(t, out)
	assert.Equal(t, in, out)

	*out.Spec.TTL = 120
	out.Spec.NameServerIPs["ns1.example.com."] = testModifiedValue
	out.Spec.InstancesFrom[0].LabelSelector.MatchLabels["env"] = testModifiedValue
	out.Status.Targets[0].Name = testModifiedValue

	assert.Equal(t, int32(60), *in.Spec.TTL)
	assert.Equal(t, "10.0.0.1", in.Spec.NameServerIPs["ns1.example.com."])
	assert.Equal(t, "prod", in.Spec.InstancesFrom[0].LabelSelector.MatchLabels["env"])
	assert.Equal(t, "a", in.Status.Targets[0].Name)
}

func TestRecord_DeepCopy(t *testing.T) {
	t.Parallel()

	now := metav1.Now()
	in := &Record{
		Spec: RecordSpec{Name: "www", Type: RecordTypeA, Addresses: []string{"192.0.2.1"}},
		Status: RecordStatus{
			Zones: []ZoneBinding{{
				ResourceRef: ResourceRef{Name: "example", LastReconciledAt: &now},
				AppliedTo:   []string{"primary-0"},
			}},
		},
	}

	out := in.DeepCopy()
	out.Spec.Addresses[0] = "192.0.2.2"
	out.Status.Zones[0].AppliedTo[0] = testModifiedValue

	assert.Equal(t, "192.0.2.1", in.Spec.Addresses[0])
	assert.Equal(t, "primary-0", in.Status.Zones[0].AppliedTo[0])
	assert.NotSame(t, in.Status.Zones[0].LastReconciledAt, out.Status.Zones[0].LastReconciledAt)
}

func TestDeepCopyObject_Nil(t *testing.T) {
	t.Parallel()

	var provider *Provider
	assert.Nil(t, provider.DeepCopyObject())

	var list *InstanceList
	assert.Nil(t, list.DeepCopyObject())
}

func TestList_DeepCopyObject(t *testing.T) {
	t.Parallel()

	in := &ClusterList{Items: []Cluster{{ObjectMeta: metav1.ObjectMeta{Name: "c1"}}}}

	obj := in.DeepCopyObject()
	require.NotNil(t, obj)

	list, ok := obj.(*ClusterList)
	require.True(t, ok)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "c1", list.Items[0].Name)
}
