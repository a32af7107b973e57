package bind9

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/credential"
)

// Well-known ports of a BIND9 Instance.
const (
	DNSPort  = 53
	RNDCPort = 953
	APIPort  = 8080
)

// TSIGFudge is the permitted clock skew of signed messages, in seconds.
const TSIGFudge = 300

// Zone types understood by the sidecar API.
const (
	ZoneTypePrimary   = "primary"
	ZoneTypeSecondary = "secondary"
)

// Target is one Instance the adapter talks to.
type Target struct {
	// Name identifies the Instance as namespace/name.
	Name string

	Role v1alpha1.Role

	// APIURL is the base URL of the sidecar API, e.g. "http://dns-primary-0.dns.svc.cluster.local:8080".
	APIURL string

	// DNSAddr is host:port of the DNS listener used for updates and transfers.
	DNSAddr string

	// Token authenticates sidecar API calls. Empty disables the Authorization header.
	Token string

	// Key signs dynamic updates and zone transfers.
	Key credential.Material
}

// SOA is the start of authority sent to the sidecar API.
type SOA struct {
	PrimaryNS   string `json:"primaryNs"`
	AdminEmail  string `json:"adminEmail"`
	Serial      int64  `json:"serial"`
	Refresh     int32  `json:"refresh"`
	Retry       int32  `json:"retry"`
	Expire      int32  `json:"expire"`
	NegativeTTL int32  `json:"negativeTtl"`
}

// ZoneConfig is the zone definition sent to the sidecar API.
type ZoneConfig struct {
	TTL           int32             `json:"ttl"`
	SOA           SOA               `json:"soa"`
	NameServers   []string          `json:"nameServers"`
	NameServerIPs map[string]string `json:"nameServerIps,omitempty"`
	AlsoNotify    []string          `json:"alsoNotify,omitempty"`
	AllowTransfer []string          `json:"allowTransfer,omitempty"`
	Primaries     []string          `json:"primaries,omitempty"`
}

// ZoneRequest creates a zone through the sidecar API.
type ZoneRequest struct {
	ZoneName      string     `json:"zoneName"`
	ZoneType      string     `json:"zoneType"`
	ZoneConfig    ZoneConfig `json:"zoneConfig"`
	UpdateKeyName string     `json:"updateKeyName,omitempty"`
}

// ExternalRecord is a resource record as the DNS server holds it.
type ExternalRecord struct {
	Name string
	Type string
	TTL  uint32
	Data string
}

// Key identifies the RRset the record belongs to.
func (r ExternalRecord) Key() string {
	return strings.ToLower(dns.Fqdn(r.Name)) + "/" + strings.ToUpper(r.Type)
}

// RR parses the record back into a miekg/dns RR.
func (r ExternalRecord) RR() (dns.RR, error) {
	return dns.NewRR(dns.Fqdn(r.Name) + " " + itoa(r.TTL) + " IN " + r.Type + " " + r.Data)
}

// RecordSet is the desired content of one RRset.
type RecordSet struct {
	Name string
	Type string
	TTL  uint32
	RRs  []dns.RR
}

// Key identifies the RRset.
func (s RecordSet) Key() string {
	return strings.ToLower(dns.Fqdn(s.Name)) + "/" + strings.ToUpper(s.Type)
}

// Records returns the RRset as external records.
func (s RecordSet) Records() []ExternalRecord {
	out := make([]ExternalRecord, 0, len(s.RRs))
	for _, rr := range s.RRs {
		out = append(out, FromRR(rr))
	}

	return out
}

// FromRR converts a miekg/dns RR.
func FromRR(rr dns.RR) ExternalRecord {
	hdr := rr.Header()

	return ExternalRecord{
		Name: strings.ToLower(hdr.Name),
		Type: dns.TypeToString[hdr.Rrtype],
		TTL:  hdr.Ttl,
		Data: strings.TrimPrefix(rr.String(), hdr.String()),
	}
}
