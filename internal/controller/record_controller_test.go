package controller

import (
	"context"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clocktesting "k8s.io/utils/clock/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/bind9"
	"github.com/lexfrei/bind9-fleet-operator/internal/config"
	"github.com/lexfrei/bind9-fleet-operator/internal/status"
	"github.com/lexfrei/bind9-fleet-operator/internal/workqueue"
)

type recordFixture struct {
	r       *RecordReconciler
	client  client.WithWatch
	backend *bind9.FakeBackend
}

// setupRecordReconciler builds a Record reconciler over a fake backend that
// already serves every Zone among objs on the primaries listed in its status.
func setupRecordReconciler(t *testing.T, objs ...client.Object) *recordFixture {
	t.Helper()

	backend := bind9.NewFakeBackend()

	for _, obj := range objs {
		switch typed := obj.(type) {
		case *v1alpha1.Instance:
			objs = append(objs, keySecret(t, typed))
		case *v1alpha1.Zone:
			for _, ref := range typed.Status.Targets {
				if ref.Role != v1alpha1.RolePrimary {
					continue
				}

				target := bind9.Target{Name: ref.Namespace + "/" + ref.Name}
				require.NoError(t, backend.PutZone(context.Background(), target, bind9.ZoneRequest{
					ZoneName: typed.Spec.ZoneName,
					ZoneType: bind9.ZoneTypePrimary,
				}))
			}
		}
	}

	fakeClient := setupFakeClient(t, objs...)

	return &recordFixture{
		r: &RecordReconciler{
			Client:   fakeClient,
			Store:    syncStore(t, fakeClient, nil),
			Resolver: config.NewResolver(fakeClient, ""),
			Adapter:  bind9.NewAdapter(backend, nil, 0),
			Clock:    clocktesting.NewFakePassiveClock(testNow),
		},
		client:  fakeClient,
		backend: backend,
	}
}

func (f *recordFixture) reconcile(t *testing.T, name string) error {
	t.Helper()

	syncStore(t, f.client, f.r.Store)

	_, err := f.r.Reconcile(context.Background(), request(testNamespace, name))

	return err
}

func (f *recordFixture) record(t *testing.T, name string) *v1alpha1.Record {
	t.Helper()

	record := &v1alpha1.Record{}
	require.NoError(t, f.client.Get(context.Background(), types.NamespacedName{Namespace: testNamespace, Name: name}, record))

	return record
}

// servedZone returns a Zone whose status lists instances as its targets.
func servedZone(name, zoneName string, instances ...*v1alpha1.Instance) *v1alpha1.Zone {
	zone := testZone(name, zoneName)

	for i, instance := range instances {
		zone.Status.Targets = append(zone.Status.Targets, v1alpha1.TargetRef{
			ResourceRef: v1alpha1.ResourceRef{
				APIVersion: v1alpha1.GroupVersion.String(),
				Kind:       v1alpha1.KindInstance,
				Namespace:  instance.Namespace,
				Name:       instance.Name,
			},
			Ordinal: int32(i), //nolint:gosec // small test fixture
			Role:    instance.Spec.Role,
		})
	}

	return zone
}

func TestRecordReconciler_Reconcile_NotFound(t *testing.T) {
	t.Parallel()

	f := setupRecordReconciler(t)

	require.NoError(t, f.reconcile(t, "missing"))
}

func TestRecordReconciler_Reconcile_PublishesOnPrimaries(t *testing.T) {
	t.Parallel()

	primary := readyInstance("a", v1alpha1.RolePrimary)
	secondary := readyInstance("b", v1alpha1.RoleSecondary)

	f := setupRecordReconciler(t,
		primary,
		secondary,
		servedZone("example", "example.com", primary, secondary),
		testRecord("www", "www", "192.0.2.10"),
	)

	require.NoError(t, f.reconcile(t, "www"))

	assert.Equal(t, 1, f.backend.CallCount(bind9.OpPutRecord), "secondaries receive records by transfer")
	assert.Contains(t, f.backend.Records("dns/a", "example.com"), bind9.ExternalRecord{
		Name: "www.example.com.",
		Type: "A",
		TTL:  uint32(v1alpha1.DefaultRecordTTL),
		Data: "192.0.2.10",
	})

	record := f.record(t, "www")
	assert.Contains(t, record.Finalizers, v1alpha1.Finalizer)
	assert.NotEmpty(t, record.Status.RecordHash)
	assert.Equal(t, int64(1), record.Status.ObservedGeneration)

	require.Len(t, record.Status.Zones, 1)
	binding := record.Status.Zones[0]
	assert.Equal(t, "example", binding.Name)
	assert.Equal(t, "www.example.com.", binding.FQDN)
	assert.Equal(t, record.Status.RecordHash, binding.Hash)
	assert.Equal(t, []string{"dns/a"}, binding.AppliedTo)
	require.NotNil(t, binding.LastReconciledAt)
	assert.Equal(t, testNow, binding.LastReconciledAt.UTC())

	ready := findCondition(record.Status.Conditions, status.ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, metav1.ConditionTrue, ready.Status)

	child := findCondition(record.Status.Conditions, "Zone-0")
	require.NotNil(t, child)
	assert.Equal(t, status.ReasonRecordApplied, child.Reason)
}

func TestRecordReconciler_Reconcile_UnchangedRecordIsOnlyVerified(t *testing.T) {
	t.Parallel()

	primary := readyInstance("a", v1alpha1.RolePrimary)

	f := setupRecordReconciler(t,
		primary,
		servedZone("example", "example.com", primary),
		testRecord("www", "www", "192.0.2.10"),
	)

	require.NoError(t, f.reconcile(t, "www"))
	require.Equal(t, 1, f.backend.CallCount(bind9.OpPutRecord))

	require.NoError(t, f.reconcile(t, "www"))
	assert.Equal(t, 1, f.backend.CallCount(bind9.OpPutRecord))
	assert.Equal(t, 1, f.backend.CallCount(bind9.OpListRecords))

	// A change made behind the operator's back is repaired.
	f.backend.AddRecords("dns/a", "example.com", bind9.ExternalRecord{
		Name: "www.example.com.", Type: "A", TTL: 300, Data: "198.51.100.7",
	})

	require.NoError(t, f.reconcile(t, "www"))
	assert.Equal(t, 2, f.backend.CallCount(bind9.OpPutRecord))

	var data []string
	for _, rec := range f.backend.Records("dns/a", "example.com") {
		if rec.Name == "www.example.com." {
			data = append(data, rec.Data)
		}
	}

	assert.Equal(t, []string{"192.0.2.10"}, data)
}

func TestRecordReconciler_Reconcile_SpecChangeIsPushed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	primary := readyInstance("a", v1alpha1.RolePrimary)

	f := setupRecordReconciler(t,
		primary,
		servedZone("example", "example.com", primary),
		testRecord("www", "www", "192.0.2.10"),
	)

	require.NoError(t, f.reconcile(t, "www"))
	firstHash := f.record(t, "www").Status.RecordHash

	record := f.record(t, "www")
	record.Spec.Addresses = []string{"192.0.2.20"}
	record.Generation++
	require.NoError(t, f.client.Update(ctx, record))

	require.NoError(t, f.reconcile(t, "www"))

	assert.Equal(t, 2, f.backend.CallCount(bind9.OpPutRecord))
	assert.NotEqual(t, firstHash, f.record(t, "www").Status.RecordHash)
	assert.Contains(t, f.backend.Records("dns/a", "example.com"), bind9.ExternalRecord{
		Name: "www.example.com.",
		Type: "A",
		TTL:  uint32(v1alpha1.DefaultRecordTTL),
		Data: "192.0.2.20",
	})
}

func TestRecordReconciler_Reconcile_NoPrimaries(t *testing.T) {
	t.Parallel()

	secondary := readyInstance("b", v1alpha1.RoleSecondary)

	f := setupRecordReconciler(t,
		secondary,
		servedZone("example", "example.com", secondary),
		testRecord("www", "www", "192.0.2.10"),
	)

	require.NoError(t, f.reconcile(t, "www"))
	assert.Zero(t, f.backend.CallCount(bind9.OpPutRecord))

	record := f.record(t, "www")

	child := findCondition(record.Status.Conditions, "Zone-0")
	require.NotNil(t, child)
	assert.Equal(t, metav1.ConditionFalse, child.Status)
	assert.Equal(t, status.ReasonProgressing, child.Reason)
	assert.Equal(t, "No ready primary instance serves the zone", child.Message)

	require.Len(t, record.Status.Zones, 1)
	assert.Nil(t, record.Status.Zones[0].LastReconciledAt)
}

func TestRecordReconciler_Reconcile_InvalidRecord(t *testing.T) {
	t.Parallel()

	primary := readyInstance("a", v1alpha1.RolePrimary)

	f := setupRecordReconciler(t,
		primary,
		servedZone("example", "example.com", primary),
		testRecord("www", "www", "not-an-address"),
	)

	require.NoError(t, f.reconcile(t, "www"), "invalid records wait for a spec change")
	assert.Zero(t, f.backend.CallCount(bind9.OpPutRecord))

	child := findCondition(f.record(t, "www").Status.Conditions, "Zone-0")
	require.NotNil(t, child)
	assert.Equal(t, status.ReasonConfigurationInvalid, child.Reason)
}

func TestRecordReconciler_Reconcile_BackendFailure(t *testing.T) {
	t.Parallel()

	primary := readyInstance("a", v1alpha1.RolePrimary)

	f := setupRecordReconciler(t,
		primary,
		servedZone("example", "example.com", primary),
		testRecord("www", "www", "192.0.2.10"),
	)

	f.backend.SetError(bind9.OpPutRecord, &bind9.StatusError{
		Method: http.MethodPost,
		URL:    "/api/v1/zones/example.com/records",
		Code:   http.StatusBadGateway,
	})

	require.Error(t, f.reconcile(t, "www"))

	record := f.record(t, "www")

	child := findCondition(record.Status.Conditions, "Zone-0")
	require.NotNil(t, child)
	assert.Equal(t, status.ReasonRecordApplyFailed, child.Reason)

	require.Len(t, record.Status.Zones, 1)
	assert.Empty(t, record.Status.Zones[0].AppliedTo)

	f.backend.SetError(bind9.OpPutRecord, nil)

	require.NoError(t, f.reconcile(t, "www"))
	assert.Equal(t, []string{"dns/a"}, f.record(t, "www").Status.Zones[0].AppliedTo)
}

func TestRecordReconciler_Reconcile_RetractsFromDeselectedZone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	primary := readyInstance("a", v1alpha1.RolePrimary)

	f := setupRecordReconciler(t,
		primary,
		servedZone("example", "example.com", primary),
		testRecord("www", "www", "192.0.2.10"),
	)

	require.NoError(t, f.reconcile(t, "www"))
	require.Len(t, f.backend.Records("dns/a", "example.com"), 2)

	record := f.record(t, "www")
	record.Labels["app"] = "other"
	require.NoError(t, f.client.Update(ctx, record))

	require.NoError(t, f.reconcile(t, "www"))

	assert.Equal(t, 1, f.backend.CallCount(bind9.OpDeleteRRset))
	assert.Len(t, f.backend.Records("dns/a", "example.com"), 1, "only the SOA is left")

	record = f.record(t, "www")
	assert.Empty(t, record.Status.Zones)
	assert.Nil(t, findCondition(record.Status.Conditions, "Zone-0"))

	ready := findCondition(record.Status.Conditions, status.ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, status.ReasonNoChildren, ready.Reason)
}

func TestRecordReconciler_Reconcile_SelectsZonesFromRecord(t *testing.T) {
	t.Parallel()

	primary := readyInstance("a", v1alpha1.RolePrimary)

	zone := servedZone("internal", "internal.example", primary)
	zone.Spec.RecordsFrom = nil

	record := testRecord("db", "db", "10.0.0.5")
	record.Labels = nil
	record.Spec.ZonesFrom = []v1alpha1.SelectorRef{{LabelSelector: metav1.LabelSelector{
		MatchLabels: map[string]string{"zone": "internal"},
	}}}

	f := setupRecordReconciler(t, primary, zone, record)

	require.NoError(t, f.reconcile(t, "db"))

	assert.Contains(t, f.backend.Records("dns/a", "internal.example"), bind9.ExternalRecord{
		Name: "db.internal.example.",
		Type: "A",
		TTL:  uint32(v1alpha1.DefaultRecordTTL),
		Data: "10.0.0.5",
	})
}

func TestRecordReconciler_Reconcile_InvalidSelector(t *testing.T) {
	t.Parallel()

	record := testRecord("www", "www", "192.0.2.10")
	record.Spec.ZonesFrom = []v1alpha1.SelectorRef{{LabelSelector: metav1.LabelSelector{
		MatchExpressions: []metav1.LabelSelectorRequirement{{Key: "zone", Operator: "Near"}},
	}}}

	f := setupRecordReconciler(t, record)

	require.NoError(t, f.reconcile(t, "www"))

	ready := findCondition(f.record(t, "www").Status.Conditions, status.ConditionReady)
	require.NotNil(t, ready)
	assert.Equal(t, status.ReasonSelectorInvalid, ready.Reason)
}

func TestRecordReconciler_Reconcile_Deletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	primary := readyInstance("a", v1alpha1.RolePrimary)

	f := setupRecordReconciler(t,
		primary,
		servedZone("example", "example.com", primary),
		testRecord("www", "www", "192.0.2.10"),
	)

	require.NoError(t, f.reconcile(t, "www"))

	require.NoError(t, f.client.Delete(ctx, f.record(t, "www")))

	f.backend.SetError(bind9.OpDeleteRRset, &bind9.StatusError{
		Method: http.MethodDelete,
		URL:    "/api/v1/zones/example.com/records",
		Code:   http.StatusServiceUnavailable,
	})

	require.Error(t, f.reconcile(t, "www"))
	assert.Contains(t, f.record(t, "www").Finalizers, v1alpha1.Finalizer, "finalizer is held until the record is retracted")

	f.backend.SetError(bind9.OpDeleteRRset, nil)

	require.NoError(t, f.reconcile(t, "www"))
	assert.Len(t, f.backend.Records("dns/a", "example.com"), 1)

	err := f.client.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "www"}, &v1alpha1.Record{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestCombineTargets(t *testing.T) {
	t.Parallel()

	require.NoError(t, combineTargets(nil))

	err := combineTargets(map[string]error{"dns/a": errInstanceNotReady})
	require.ErrorIs(t, err, errInstanceNotReady)

	err = combineTargets(map[string]error{
		"dns/a": errInstanceNotReady,
		"dns/b": errors.New("connection refused"),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errInstanceNotReady, "real failures win over waiting targets")
	assert.Contains(t, err.Error(), "instance dns/b")
}

func TestRecordChild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantReady    bool
		wantReason   string
		wantErr      bool
		wantTerminal bool
	}{
		{
			name:       "applied",
			wantReady:  true,
			wantReason: status.ReasonRecordApplied,
		},
		{
			name:       "no primaries",
			err:        errNoPrimaries,
			wantReason: status.ReasonProgressing,
		},
		{
			name:       "waiting for instance",
			err:        errInstanceNotReady,
			wantReason: status.ReasonProgressing,
		},
		{
			name:         "invalid record",
			err:          errors.Wrap(bind9.ErrInvalidRecord, "www A \"x\""),
			wantReason:   status.ReasonConfigurationInvalid,
			wantErr:      true,
			wantTerminal: true,
		},
		{
			name:       "server error",
			err:        &bind9.StatusError{Method: http.MethodPost, URL: "/api/v1/zones", Code: http.StatusInternalServerError},
			wantReason: status.ReasonRecordApplyFailed,
			wantErr:    true,
		},
		{
			name:         "missing key secret",
			err:          errors.Mark(errors.New("credential secret dns/a-rndc-key"), config.ErrCredentialMissing),
			wantReason:   status.ReasonCredentialMissing,
			wantErr:      true,
			wantTerminal: true,
		},
		{
			name:         "rejected token",
			err:          &bind9.StatusError{Method: http.MethodPost, URL: "/api/v1/zones", Code: http.StatusForbidden},
			wantReason:   status.ReasonBindcarAuthFailed,
			wantErr:      true,
			wantTerminal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			child, err := recordChild(4, tt.err)

			assert.Equal(t, int32(4), child.Ordinal)
			assert.Equal(t, tt.wantReady, child.Ready)
			assert.Equal(t, tt.wantReason, child.Reason)

			if !tt.wantErr {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.wantTerminal, workqueue.IsTerminal(err))
		})
	}
}
