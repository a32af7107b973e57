package bind9

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
)

func TestFQDN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, zone, expected string
	}{
		{name: "@", zone: "example.com", expected: "example.com."},
		{name: "", zone: "example.com.", expected: "example.com."},
		{name: "www", zone: "example.com", expected: "www.example.com."},
		{name: "WWW", zone: "Example.COM", expected: "www.example.com."},
		{name: "mail.example.com.", zone: "example.com", expected: "mail.example.com."},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.zone, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, FQDN(tt.name, tt.zone))
		})
	}
}

func TestHash(t *testing.T) {
	t.Parallel()

	spec := v1alpha1.RecordSpec{Name: "www", Type: v1alpha1.RecordTypeA, Addresses: []string{"192.0.2.1"}}

	hash := Hash(spec)
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, Hash(spec))

	relabelled := spec
	relabelled.ZonesFrom = []v1alpha1.SelectorRef{{
		LabelSelector: metav1.LabelSelector{MatchLabels: map[string]string{"zone": "example"}},
	}}
	assert.Equal(t, hash, Hash(relabelled), "selectors do not change published content")

	changed := spec
	changed.TTL = ptr.To[int32](60)
	assert.NotEqual(t, hash, Hash(changed))
}

func TestBuildRecordSet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		spec     v1alpha1.RecordSpec
		owner    string
		expected []string
	}{
		{
			name:     "A sorted and deduplicated",
			spec:     v1alpha1.RecordSpec{Name: "www", Type: v1alpha1.RecordTypeA, Addresses: []string{"192.0.2.2", "192.0.2.1", "192.0.2.2"}},
			owner:    "www.example.com.",
			expected: []string{"192.0.2.1", "192.0.2.2"},
		},
		{
			name:     "AAAA",
			spec:     v1alpha1.RecordSpec{Name: "v6", Type: v1alpha1.RecordTypeAAAA, Addresses: []string{"2001:db8::1"}},
			owner:    "v6.example.com.",
			expected: []string{"2001:db8::1"},
		},
		{
			name:     "CNAME",
			spec:     v1alpha1.RecordSpec{Name: "alias", Type: v1alpha1.RecordTypeCNAME, Target: "www.example.com"},
			owner:    "alias.example.com.",
			expected: []string{"www.example.com."},
		},
		{
			name:     "MX at apex",
			spec:     v1alpha1.RecordSpec{Name: "@", Type: v1alpha1.RecordTypeMX, Priority: 10, Target: "mail.example.com."},
			owner:    "example.com.",
			expected: []string{"10 mail.example.com."},
		},
		{
			name: "SRV",
			spec: v1alpha1.RecordSpec{
				Name: "_sip._tcp", Type: v1alpha1.RecordTypeSRV,
				Priority: 10, Weight: 5, Port: 5060, Target: "sip.example.com",
			},
			owner:    "_sip._tcp.example.com.",
			expected: []string{"10 5 5060 sip.example.com."},
		},
		{
			name:     "TXT",
			spec:     v1alpha1.RecordSpec{Name: "@", Type: v1alpha1.RecordTypeTXT, Text: []string{"v=spf1 -all"}},
			owner:    "example.com.",
			expected: []string{`"v=spf1 -all"`},
		},
		{
			name:     "CAA",
			spec:     v1alpha1.RecordSpec{Name: "@", Type: v1alpha1.RecordTypeCAA, Tag: "issue", Value: "letsencrypt.org"},
			owner:    "example.com.",
			expected: []string{`0 issue "letsencrypt.org"`},
		},
		{
			name:     "NS delegation",
			spec:     v1alpha1.RecordSpec{Name: "sub", Type: v1alpha1.RecordTypeNS, Target: "ns1.sub.example.com"},
			owner:    "sub.example.com.",
			expected: []string{"ns1.sub.example.com."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			set, err := BuildRecordSet(tt.spec, "example.com")
			require.NoError(t, err)

			assert.Equal(t, tt.owner, set.Name)
			assert.Equal(t, string(tt.spec.Type), set.Type)
			assert.Equal(t, uint32(300), set.TTL)

			var data []string
			for _, record := range set.Records() {
				assert.Equal(t, tt.owner, record.Name)
				data = append(data, record.Data)
			}

			assert.Equal(t, tt.expected, data)
		})
	}
}

func TestBuildRecordSet_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec v1alpha1.RecordSpec
	}{
		{name: "A without addresses", spec: v1alpha1.RecordSpec{Name: "www", Type: v1alpha1.RecordTypeA}},
		{name: "A with IPv6", spec: v1alpha1.RecordSpec{Name: "www", Type: v1alpha1.RecordTypeA, Addresses: []string{"2001:db8::1"}}},
		{name: "AAAA with IPv4", spec: v1alpha1.RecordSpec{Name: "www", Type: v1alpha1.RecordTypeAAAA, Addresses: []string{"192.0.2.1"}}},
		{name: "garbage address", spec: v1alpha1.RecordSpec{Name: "www", Type: v1alpha1.RecordTypeA, Addresses: []string{"not-an-ip"}}},
		{name: "CNAME without target", spec: v1alpha1.RecordSpec{Name: "alias", Type: v1alpha1.RecordTypeCNAME}},
		{name: "SRV without port", spec: v1alpha1.RecordSpec{Name: "_sip._tcp", Type: v1alpha1.RecordTypeSRV, Target: "sip"}},
		{name: "TXT without text", spec: v1alpha1.RecordSpec{Name: "@", Type: v1alpha1.RecordTypeTXT}},
		{name: "CAA without value", spec: v1alpha1.RecordSpec{Name: "@", Type: v1alpha1.RecordTypeCAA, Tag: "issue"}},
		{name: "unknown type", spec: v1alpha1.RecordSpec{Name: "@", Type: "HINFO"}},
		{name: "outside zone", spec: v1alpha1.RecordSpec{Name: "www.example.org.", Type: v1alpha1.RecordTypeA, Addresses: []string{"192.0.2.1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := BuildRecordSet(tt.spec, "example.com")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRecord))
		})
	}
}

func TestQuoteTXT(t *testing.T) {
	t.Parallel()

	set, err := BuildRecordSet(v1alpha1.RecordSpec{
		Name: "@", Type: v1alpha1.RecordTypeTXT, Text: []string{`say "hi"`},
	}, "example.com")
	require.NoError(t, err)
	require.Len(t, set.RRs, 1)
	assert.Equal(t, `"say \"hi\""`, set.Records()[0].Data)
}

func TestSameRecords(t *testing.T) {
	t.Parallel()

	a := []ExternalRecord{
		{Name: "www.example.com.", Type: "A", TTL: 300, Data: "192.0.2.1"},
		{Name: "www.example.com.", Type: "A", TTL: 300, Data: "192.0.2.2"},
	}
	reordered := []ExternalRecord{a[1], a[0]}
	upper := []ExternalRecord{
		{Name: "WWW.example.com", Type: "a", TTL: 300, Data: "192.0.2.2"},
		{Name: "www.example.com.", Type: "A", TTL: 300, Data: "192.0.2.1"},
	}
	otherTTL := []ExternalRecord{a[0], {Name: "www.example.com.", Type: "A", TTL: 60, Data: "192.0.2.2"}}

	assert.True(t, SameRecords(a, reordered))
	assert.True(t, SameRecords(a, upper))
	assert.False(t, SameRecords(a, otherTTL))
	assert.False(t, SameRecords(a, a[:1]))
	assert.True(t, SameRecords(nil, nil))
}

func TestExternalRecord_RRRoundTrip(t *testing.T) {
	t.Parallel()

	record := ExternalRecord{Name: "www.example.com.", Type: "MX", TTL: 300, Data: "10 mail.example.com."}

	rr, err := record.RR()
	require.NoError(t, err)
	assert.Equal(t, record, FromRR(rr))
}
