package bind9

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
)

// ErrInvalidRecord is returned for record specs that cannot be rendered.
var ErrInvalidRecord = errors.New("invalid record")

// FQDN returns the owner name of a relative record name inside zone.
func FQDN(name, zone string) string {
	zone = dns.Fqdn(strings.ToLower(zone))

	switch {
	case name == "" || name == "@":
		return zone
	case dns.IsFqdn(name):
		return strings.ToLower(name)
	default:
		return strings.ToLower(name) + "." + zone
	}
}

// Hash returns the SHA-256 of the JSON encoding of spec.
func Hash(spec v1alpha1.RecordSpec) string {
	// Selectors do not change what is published.
	spec.ZonesFrom = nil

	raw, err := json.Marshal(spec)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:])
}

// BuildRecordSet renders a Record spec into the RRset it publishes in zone.
func BuildRecordSet(spec v1alpha1.RecordSpec, zone string) (RecordSet, error) {
	owner := FQDN(spec.Name, zone)
	if !dns.IsSubDomain(dns.Fqdn(zone), owner) {
		return RecordSet{}, errors.Wrapf(ErrInvalidRecord, "%s is outside zone %s", owner, zone)
	}

	rdata, err := rdataFor(spec)
	if err != nil {
		return RecordSet{}, err
	}

	set := RecordSet{
		Name: owner,
		Type: string(spec.Type),
		TTL:  uint32(spec.GetTTL()), //nolint:gosec // validated non-negative by the CRD
	}

	for _, data := range rdata {
		rr, err := dns.NewRR(owner + " " + itoa(set.TTL) + " IN " + set.Type + " " + data)
		if err != nil {
			return RecordSet{}, errors.Wrapf(ErrInvalidRecord, "%s %s %q: %v", owner, set.Type, data, err)
		}

		if rr == nil {
			return RecordSet{}, errors.Wrapf(ErrInvalidRecord, "%s %s has empty rdata", owner, set.Type)
		}

		set.RRs = append(set.RRs, rr)
	}

	return set, nil
}

func rdataFor(spec v1alpha1.RecordSpec) ([]string, error) {
	switch spec.Type {
	case v1alpha1.RecordTypeA, v1alpha1.RecordTypeAAAA:
		return addresses(spec)
	case v1alpha1.RecordTypeCNAME, v1alpha1.RecordTypeNS:
		if spec.Target == "" {
			return nil, errors.Wrapf(ErrInvalidRecord, "%s record requires a target", spec.Type)
		}

		return []string{dns.Fqdn(spec.Target)}, nil
	case v1alpha1.RecordTypeMX:
		if spec.Target == "" {
			return nil, errors.Wrap(ErrInvalidRecord, "MX record requires a target")
		}

		return []string{itoa(spec.Priority) + " " + dns.Fqdn(spec.Target)}, nil
	case v1alpha1.RecordTypeSRV:
		if spec.Target == "" || spec.Port <= 0 {
			return nil, errors.Wrap(ErrInvalidRecord, "SRV record requires a target and a port")
		}

		return []string{strings.Join([]string{
			itoa(spec.Priority), itoa(spec.Weight), itoa(spec.Port), dns.Fqdn(spec.Target),
		}, " ")}, nil
	case v1alpha1.RecordTypeTXT:
		if len(spec.Text) == 0 {
			return nil, errors.Wrap(ErrInvalidRecord, "TXT record requires text")
		}

		out := make([]string, 0, len(spec.Text))
		for _, text := range spec.Text {
			out = append(out, quoteTXT(text))
		}

		return out, nil
	case v1alpha1.RecordTypeCAA:
		if spec.Tag == "" || spec.Value == "" {
			return nil, errors.Wrap(ErrInvalidRecord, "CAA record requires a tag and a value")
		}

		return []string{itoa(spec.Flags) + " " + spec.Tag + " " + quoteTXT(spec.Value)}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidRecord, "unsupported type %q", spec.Type)
	}
}

func addresses(spec v1alpha1.RecordSpec) ([]string, error) {
	if len(spec.Addresses) == 0 {
		return nil, errors.Wrapf(ErrInvalidRecord, "%s record requires at least one address", spec.Type)
	}

	out := make([]string, 0, len(spec.Addresses))

	for _, raw := range spec.Addresses {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidRecord, "address %q: %v", raw, err)
		}

		if spec.Type == v1alpha1.RecordTypeA && !addr.Is4() {
			return nil, errors.Wrapf(ErrInvalidRecord, "%s is not an IPv4 address", raw)
		}

		if spec.Type == v1alpha1.RecordTypeAAAA && (!addr.Is6() || addr.Is4In6()) {
			return nil, errors.Wrapf(ErrInvalidRecord, "%s is not an IPv6 address", raw)
		}

		out = append(out, addr.String())
	}

	slices.Sort(out)

	return slices.Compact(out), nil
}

func quoteTXT(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)

	return `"` + s + `"`
}

func itoa[T int32 | uint32](v T) string {
	return strconv.FormatInt(int64(v), 10)
}

// SameRecords reports whether two record lists hold the same data and TTLs,
// ignoring order.
func SameRecords(a, b []ExternalRecord) bool {
	if len(a) != len(b) {
		return false
	}

	key := func(r ExternalRecord) string {
		return r.Key() + " " + itoa(r.TTL) + " " + r.Data
	}

	left := make([]string, 0, len(a))
	for _, r := range a {
		left = append(left, key(r))
	}

	right := make([]string, 0, len(b))
	for _, r := range b {
		right = append(right, key(r))
	}

	slices.Sort(left)
	slices.Sort(right)

	return slices.Equal(left, right)
}
