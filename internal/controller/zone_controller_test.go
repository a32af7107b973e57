package controller

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clocktesting "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/cache"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/eventrouter"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
)

type zoneFixture struct {
	r       *ZoneReconciler
	client  client.WithWatch
	backend *bind9.FakeBackend
	clock   *clocktesting.FakeClock
}

// setupZoneReconciler builds a Zone reconciler over a fake backend. Every
// Instance among objs gets its generated key Secret.
func setupZoneReconciler(t *testing.T, objs ...client.Object) *zoneFixture {
	t.Helper()

	for _, obj := range objs {
		if instance, ok := obj.(*v1alpha1.Instance); ok {
			objs = append(objs, keySecret(t, instance))
		}
	}

	fakeClient := setupFakeClient(t, objs...)
	backend := bind9.NewFakeBackend()
	fakeClock := clocktesting.NewFakeClock(testNow)

	return &zoneFixture{
		r: &ZoneReconciler{
			Client:   fakeClient,
			Store:    syncStore(t, fakeClient, nil),
			Resolver: config.NewResolver(fakeClient, ""),
			Adapter:  bind9.NewAdapter(backend, nil, 0),
			Clock:    fakeClock,
		},
		client:  fakeClient,
		backend: backend,
		clock:   fakeClock,
	}
}

func (f *zoneFixture) reconcile(t *testing.T, name string) error {
	t.Helper()

	syncStore(t, f.client, f.r.Store)

	_, err := f.r.Reconcile(context.Background(), request(testNamespace, name))

	return err
}

func (f *zoneFixture) zone(t *testing.T, name string) *v1alpha1.Zone {
	t.Helper()

	zone := &v1alpha1.Zone{}
	require.NoError(t, f.client.Get(context.Background(), types.NamespacedName{Namespace: testNamespace, Name: name}, zone))

	return zone
}

func targetNames(zone *v1alpha1.Zone) []string {
	out := make([]string, 0, len(zone.Status.Targets))
	for _, target := range zone.Status.Targets {
		out = append(out, target.Name)
	}

	return out
}

func TestZoneReconciler_Reconcile_ConfiguresEverySelectedInstance(t *testing.T) {
	t.Parallel()

	f := setupZoneReconciler(t,
		readyInstance("a", v1alpha1.RolePrimary),
		readyInstance("b", v1alpha1.RoleSecondary),
		testZone("example", "example.com"),
	)

	require.NoError(t, f.reconcile(t, "example"))

	assert.True(t, f.backend.HasZone("dns/a", "example.com"))
	assert.True(t, f.backend.HasZone("dns/b", "example.com"))

	primaryReq, ok := f.backend.Zone("dns/a", "example.com")
	require.True(t, ok)
	assert.Equal(t, bind9.ZoneTypePrimary, primaryReq.ZoneType)

	secondaryReq, ok := f.backend.Zone("dns/b", "example.com")
	require.True(t, ok)
	assert.Equal(t, bind9.ZoneTypeSecondary, secondaryReq.ZoneType)
	assert.NotEmpty(t, secondaryReq.ZoneConfig.Primaries)

	zone := f.zone(t, "example")
	assert.Contains(t, zone.Finalizers, v1alpha1.Finalizer)
	assert.Equal(t, []string{"a", "b"}, targetNames(zone))
	assert.Equal(t, v1alpha1.RolePrimary, zone.Status.Targets[0].Role)
	assert.Equal(t, int32(0), zone.Status.Targets[0].Ordinal)
	assert.Equal(t, int32(1), zone.Status.Targets[1].Ordinal)
	require.NotNil(t, zone.Status.Targets[0].LastReconciledAt)
	assert.Equal(t, testNow, zone.Status.Targets[0].LastReconciledAt.UTC())

	ready := findCondition(zone.Status.Conditions, status.ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, metav1.ConditionTrue, ready.Status)
	assert.Equal(t, "All 2 instances are ready", ready.Message)
}

func TestZoneReconciler_Reconcile_NewTargetOnlyTouchesNewInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	b := readyInstance("b", v1alpha1.RolePrimary)
	b.Labels["app"] = "staging"

	f := setupZoneReconciler(t, readyInstance("a", v1alpha1.RolePrimary), b, testZone("example", "example.com"))

	require.NoError(t, f.reconcile(t, "example"))
	assert.Equal(t, 1, f.backend.CallCount(bind9.OpPutZone))

	first := f.zone(t, "example").Status.Targets[0].LastReconciledAt
	require.NotNil(t, first)

	var instance v1alpha1.Instance
	require.NoError(t, f.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "b"}, &instance))
	old := instance.DeepCopy()
	instance.Labels["app"] = "dns"
	require.NoError(t, f.client.Update(ctx, &instance))

	router := eventrouter.New(f.r.Store, nil, 1)
	assert.Equal(t,
		[]eventrouter.Request{{Kind: v1alpha1.KindZone, Namespace: testNamespace, Name: "example"}},
		router.Dependents(cache.Event{Type: cache.Updated, Kind: v1alpha1.KindInstance, Object: &instance, Old: old}),
		"relabelling the instance requeues the zone")

	f.clock.Step(time.Minute)
	require.NoError(t, f.reconcile(t, "example"))

	assert.Equal(t, 2, f.backend.CallCount(bind9.OpPutZone), "only the new instance receives the zone")
	assert.Zero(t, f.backend.CallCount(bind9.OpModifyZone), "the existing primary's definition did not change")
	assert.True(t, f.backend.HasZone("dns/b", "example.com"))

	zone := f.zone(t, "example")
	assert.Equal(t, []string{"a", "b"}, targetNames(zone))
	assert.Equal(t, first.UTC(), zone.Status.Targets[0].LastReconciledAt.UTC(), "unchanged binding keeps its timestamp")
	assert.Equal(t, testNow.Add(time.Minute), zone.Status.Targets[1].LastReconciledAt.UTC())
}

func TestZoneReconciler_Reconcile_ConvergesChangedDefinition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	c := readyInstance("c", v1alpha1.RoleSecondary)
	c.Labels["app"] = "staging"

	f := setupZoneReconciler(t,
		readyInstance("a", v1alpha1.RolePrimary),
		readyInstance("b", v1alpha1.RoleSecondary),
		c,
		testZone("example", "example.com"),
	)

	require.NoError(t, f.reconcile(t, "example"))
	assert.Equal(t, 2, f.backend.CallCount(bind9.OpPutZone))

	for _, target := range f.zone(t, "example").Status.Targets {
		assert.NotEmpty(t, target.Hash, target.Name)
	}

	var instance v1alpha1.Instance
	require.NoError(t, f.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "c"}, &instance))
	instance.Labels["app"] = "dns"
	require.NoError(t, f.client.Update(ctx, &instance))

	zone := f.zone(t, "example")
	zone.Spec.SOA.Refresh = 120
	require.NoError(t, f.client.Update(ctx, zone))

	f.clock.Step(time.Minute)
	require.NoError(t, f.reconcile(t, "example"))

	assert.Equal(t, 3, f.backend.CallCount(bind9.OpPutZone))
	assert.Equal(t, 2, f.backend.CallCount(bind9.OpModifyZone), "both existing targets are updated in place")

	primaryReq, ok := f.backend.Zone("dns/a", "example.com")
	require.True(t, ok)
	assert.Equal(t, int32(120), primaryReq.ZoneConfig.SOA.Refresh)
	assert.Equal(t, []string{"b.dns.svc.cluster.local", "c.dns.svc.cluster.local"}, primaryReq.ZoneConfig.AllowTransfer)
	assert.Equal(t, []string{"b.dns.svc.cluster.local", "c.dns.svc.cluster.local"}, primaryReq.ZoneConfig.AlsoNotify)

	secondaryReq, ok := f.backend.Zone("dns/b", "example.com")
	require.True(t, ok)
	assert.Equal(t, int32(120), secondaryReq.ZoneConfig.SOA.Refresh)

	zone = f.zone(t, "example")
	require.Equal(t, []string{"a", "b", "c"}, targetNames(zone))

	for _, target := range zone.Status.Targets {
		req, ok := f.backend.Zone("dns/"+target.Name, "example.com")
		require.True(t, ok)
		assert.Equal(t, bind9.HashZone(req), target.Hash, target.Name)
		assert.Equal(t, testNow.Add(time.Minute), target.LastReconciledAt.UTC(), target.Name)
	}

	require.NoError(t, f.reconcile(t, "example"))
	assert.Equal(t, 2, f.backend.CallCount(bind9.OpModifyZone), "a converged zone is not pushed again")
	assert.Equal(t, 3, f.backend.CallCount(bind9.OpPutZone))
}

func TestZoneReconciler_Reconcile_RetractsFromDeselectedInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := setupZoneReconciler(t,
		readyInstance("a", v1alpha1.RolePrimary),
		readyInstance("b", v1alpha1.RolePrimary),
		testZone("example", "example.com"),
	)

	require.NoError(t, f.reconcile(t, "example"))
	require.True(t, f.backend.HasZone("dns/b", "example.com"))

	var instance v1alpha1.Instance
	require.NoError(t, f.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "b"}, &instance))
	instance.Labels["app"] = "staging"
	require.NoError(t, f.client.Update(ctx, &instance))

	require.NoError(t, f.reconcile(t, "example"))

	assert.True(t, f.backend.HasZone("dns/a", "example.com"))
	assert.False(t, f.backend.HasZone("dns/b", "example.com"))

	zone := f.zone(t, "example")
	assert.Equal(t, []string{"a"}, targetNames(zone))
	assert.NotNil(t, findCondition(zone.Status.Conditions, "Instance-0"))
	assert.Nil(t, findCondition(zone.Status.Conditions, "Instance-1"))
}

func TestZoneReconciler_Reconcile_PrunesOrphansOnPrimaries(t *testing.T) {
	t.Parallel()

	f := setupZoneReconciler(t,
		readyInstance("primary", v1alpha1.RolePrimary),
		readyInstance("secondary", v1alpha1.RoleSecondary),
		testZone("example", "example.com"),
		testRecord("www", "www", "192.0.2.10"),
	)

	require.NoError(t, f.reconcile(t, "example"))

	stale := bind9.ExternalRecord{Name: "stale.example.com.", Type: "A", TTL: 300, Data: "192.0.2.99"}
	declared := bind9.ExternalRecord{Name: "www.example.com.", Type: "A", TTL: 300, Data: "192.0.2.10"}

	f.backend.AddRecords("dns/primary", "example.com", stale, declared)
	f.backend.AddRecords("dns/secondary", "example.com", stale)

	require.NoError(t, f.reconcile(t, "example"))

	var keys []string
	for _, record := range f.backend.Records("dns/primary", "example.com") {
		keys = append(keys, record.Key())
	}

	assert.Contains(t, keys, "www.example.com./A")
	assert.Contains(t, keys, "example.com./SOA")
	assert.Contains(t, keys, "example.com./NS")
	assert.NotContains(t, keys, "stale.example.com./A")

	assert.Len(t, f.backend.Records("dns/secondary", "example.com"), 3, "secondaries are left to zone transfers")

	zone := f.zone(t, "example")
	assert.Equal(t, int64(1), zone.Status.OrphansDeleted)
	assert.Equal(t, int32(1), zone.Status.RecordCount)
}

func TestZoneReconciler_Reconcile_WaitsForInstanceReadiness(t *testing.T) {
	t.Parallel()

	pending := readyInstance("a", v1alpha1.RolePrimary)
	pending.Status.Conditions = nil

	f := setupZoneReconciler(t, pending, testZone("example", "example.com"))

	require.NoError(t, f.reconcile(t, "example"))
	assert.Zero(t, f.backend.CallCount(bind9.OpPutZone))

	zone := f.zone(t, "example")

	child := findCondition(zone.Status.Conditions, "Instance-0")
	require.NotNil(t, child)
	assert.Equal(t, metav1.ConditionFalse, child.Status)
	assert.Equal(t, status.ReasonProgressing, child.Reason)
	assert.Nil(t, zone.Status.Targets[0].LastReconciledAt)
}

func TestZoneReconciler_Reconcile_BackendFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantErr    bool
		wantReason string
	}{
		{
			name:       "server unavailable",
			err:        &bind9.StatusError{Method: http.MethodGet, URL: "/api/v1/zones", Code: http.StatusServiceUnavailable},
			wantErr:    true,
			wantReason: status.ReasonBindcarInternalError,
		},
		{
			name:       "rejected token",
			err:        &bind9.StatusError{Method: http.MethodGet, URL: "/api/v1/zones", Code: http.StatusUnauthorized},
			wantErr:    false,
			wantReason: status.ReasonBindcarAuthFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := setupZoneReconciler(t,
				readyInstance("a", v1alpha1.RolePrimary),
				readyInstance("b", v1alpha1.RolePrimary),
				testZone("example", "example.com"),
			)
			f.backend.SetError(bind9.OpGetZone, tt.err)

			err := f.reconcile(t, "example")
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err, "non-transient failures wait for a change")
			}

			zone := f.zone(t, "example")

			child := findCondition(zone.Status.Conditions, "Instance-0")
			require.NotNil(t, child)
			assert.Equal(t, metav1.ConditionFalse, child.Status)
			assert.Equal(t, tt.wantReason, child.Reason)

			ready := findCondition(zone.Status.Conditions, status.ConditionReady)
			require.NotNil(t, ready)
			assert.Equal(t, status.ReasonNotReady, ready.Reason)
		})
	}
}

func TestZoneReconciler_Reconcile_InvalidSelector(t *testing.T) {
	t.Parallel()

	zone := testZone("example", "example.com")
	zone.Spec.InstancesFrom = []v1alpha1.SelectorRef{{LabelSelector: metav1.LabelSelector{
		MatchExpressions: []metav1.LabelSelectorRequirement{{Key: "app", Operator: "Near"}},
	}}}

	f := setupZoneReconciler(t, readyInstance("a", v1alpha1.RolePrimary), zone)

	require.NoError(t, f.reconcile(t, "example"))
	assert.Zero(t, f.backend.CallCount(bind9.OpGetZone))

	ready := findCondition(f.zone(t, "example").Status.Conditions, status.ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, status.ReasonSelectorInvalid, ready.Reason)
	assert.Contains(t, ready.Message, "spec.instancesFrom")
}

func TestZoneReconciler_Reconcile_Deletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := setupZoneReconciler(t,
		readyInstance("a", v1alpha1.RolePrimary),
		readyInstance("b", v1alpha1.RoleSecondary),
		testZone("example", "example.com"),
	)

	require.NoError(t, f.reconcile(t, "example"))

	zone := f.zone(t, "example")
	require.NoError(t, f.client.Delete(ctx, zone))

	f.backend.SetError(bind9.OpDeleteZone, &bind9.StatusError{Code: http.StatusBadGateway})
	require.Error(t, f.reconcile(t, "example"), "finalizer stays while a server still carries the zone")
	require.NoError(t, f.client.Get(ctx, client.ObjectKeyFromObject(zone), &v1alpha1.Zone{}))

	f.backend.SetError(bind9.OpDeleteZone, nil)
	require.NoError(t, f.reconcile(t, "example"))

	assert.False(t, f.backend.HasZone("dns/a", "example.com"))
	assert.False(t, f.backend.HasZone("dns/b", "example.com"))

	err := f.client.Get(ctx, client.ObjectKeyFromObject(zone), &v1alpha1.Zone{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestAssociated(t *testing.T) {
	t.Parallel()

	zone := testZone("example", "example.com")
	zone.Spec.RecordsFrom = nil

	record := testRecord("www", "www", "192.0.2.10")

	assert.False(t, associated(zone, record))

	zone.Spec.RecordsFrom = selectApp("web")
	assert.True(t, associated(zone, record), "zone selects record")

	zone.Spec.RecordsFrom = nil
	record.Spec.ZonesFrom = []v1alpha1.SelectorRef{{LabelSelector: metav1.LabelSelector{
		MatchLabels: map[string]string{"zone": "example"},
	}}}
	assert.True(t, associated(zone, record), "record selects zone")
}

func TestDeclaration_SkipsInvalidRecords(t *testing.T) {
	t.Parallel()

	zone := testZone("example", "example.com")
	valid := testRecord("www", "www", "192.0.2.10")
	outside := testRecord("other", "www.example.org.", "192.0.2.11")

	decl := declaration(zone, []*v1alpha1.Record{valid, outside})

	assert.Equal(t, "example.com", decl.Zone)
	assert.Equal(t, []string{"ns1.example.com."}, decl.NameServers)
	require.Len(t, decl.Records, 1)
	assert.Equal(t, "www.example.com./A", decl.Records[0].Key())
}
