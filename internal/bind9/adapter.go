// Package bind9 converges BIND9 servers on the declared zones and records.
//
// Zones are created, updated and removed through the sidecar HTTP API
// running next to each server. Records are written with RFC 2136 dynamic updates and read
// back with AXFR, both signed with the Instance's TSIG key.
package bind9

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/lexfrei/bind9-fleet-operator/api/v1alpha1"
	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
)

// DefaultConcurrency bounds parallel calls to the targets of one zone.
const DefaultConcurrency = 8

// Record types the servers manage themselves.
//
//nolint:gochecknoglobals // lookup table
var infrastructureTypes = map[uint16]struct{}{
	dns.TypeSOA:        {},
	dns.TypeDNSKEY:     {},
	dns.TypeRRSIG:      {},
	dns.TypeNSEC:       {},
	dns.TypeNSEC3:      {},
	dns.TypeNSEC3PARAM: {},
	dns.TypeCDS:        {},
	dns.TypeCDNSKEY:    {},
}

// ZoneDeclaration is everything the cluster declares for one zone.
type ZoneDeclaration struct {
	Zone        string
	NameServers []string
	Records     []RecordSet
}

// Adapter applies declared state to DNS servers and finds what they hold
// beyond it.
type Adapter struct {
	backend     Backend
	metrics     metrics.Collector
	concurrency int
}

// NewAdapter creates an adapter on top of backend.
func NewAdapter(backend Backend, collector metrics.Collector, concurrency int) *Adapter {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Adapter{backend: backend, metrics: collector, concurrency: concurrency}
}

// ApplyZone makes target serve the zone as req defines it and returns the
// hash of req. A zone the server already serves is pushed again only when
// the hash differs from recordedHash, the hash of the last applied
// definition.
func (a *Adapter) ApplyZone(ctx context.Context, target Target, req ZoneRequest, recordedHash string) (string, error) {
	hash := HashZone(req)

	exists, err := a.backend.GetZone(ctx, target, req.ZoneName)
	if err != nil {
		return "", errors.Wrapf(err, "failed to check zone %s on %s", req.ZoneName, target.Name)
	}

	logger := slog.Default().With("zone", req.ZoneName, "target", target.Name)

	switch {
	case exists && hash == recordedHash:
		return hash, nil
	case exists:
		err = a.backend.ModifyZone(ctx, target, req)
		if err != nil {
			return "", errors.Wrapf(err, "failed to update zone %s on %s", req.ZoneName, target.Name)
		}

		logger.InfoContext(ctx, "updated zone")
	default:
		err = a.backend.PutZone(ctx, target, req)
		if err != nil {
			return "", errors.Wrapf(err, "failed to create zone %s on %s", req.ZoneName, target.Name)
		}

		logger.InfoContext(ctx, "created zone")
	}

	a.announce(ctx, target, req.ZoneName)

	return hash, nil
}

// announce spreads a new zone definition: a primary notifies its
// secondaries, a secondary transfers from its primaries. Failures are only
// logged; the SOA refresh timer catches up.
func (a *Adapter) announce(ctx context.Context, target Target, zone string) {
	var err error

	if target.Role == v1alpha1.RoleSecondary {
		err = a.backend.RetransferZone(ctx, target, zone)
	} else {
		err = a.backend.NotifyZone(ctx, target, zone)
	}

	if err != nil {
		slog.Default().WarnContext(ctx, "failed to announce zone change",
			"zone", zone, "target", target.Name, "role", target.Role, "error", err)
	}
}

// HashZone returns the SHA-256 of the rendered zone definition.
func HashZone(req ZoneRequest) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return ""
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:])
}

// RetractZone removes the zone from target. An absent zone is success.
func (a *Adapter) RetractZone(ctx context.Context, target Target, zone string) error {
	err := a.backend.DeleteZone(ctx, target, zone)
	if err != nil {
		return errors.Wrapf(err, "failed to delete zone %s from %s", zone, target.Name)
	}

	return nil
}

// ApplyRecord publishes spec into zone on target and returns the spec hash.
// When the hash equals recordedHash the server is only read back; the
// RRset is pushed again only if it drifted.
func (a *Adapter) ApplyRecord(
	ctx context.Context,
	target Target,
	zone string,
	spec v1alpha1.RecordSpec,
	recordedHash string,
) (string, error) {
	set, err := BuildRecordSet(spec, zone)
	if err != nil {
		return "", errors.Mark(err, ErrConfiguration)
	}

	hash := Hash(spec)

	if hash == recordedHash {
		current, err := a.ListExternalRecords(ctx, target, zone, set.Type)
		if err != nil {
			return "", err
		}

		current = slices.DeleteFunc(current, func(r ExternalRecord) bool { return r.Key() != set.Key() })
		if SameRecords(current, set.Records()) {
			return hash, nil
		}

		slog.Default().InfoContext(ctx, "record drifted on server",
			"zone", zone, "rrset", set.Key(), "target", target.Name)
	}

	err = a.backend.PutRecord(ctx, target, zone, set)
	if err != nil {
		return "", errors.Wrapf(err, "failed to update %s in %s on %s", set.Key(), zone, target.Name)
	}

	return hash, nil
}

// RetractRecord removes the RRset spec publishes from zone on target.
// A missing zone means there is nothing to remove.
func (a *Adapter) RetractRecord(ctx context.Context, target Target, zone string, spec v1alpha1.RecordSpec) error {
	err := a.backend.DeleteRRset(ctx, target, zone, FQDN(spec.Name, zone), string(spec.Type))
	if err != nil && !errors.Is(err, ErrZoneNotFound) {
		return errors.Wrapf(err, "failed to delete %s %s from %s", spec.Name, spec.Type, zone)
	}

	return nil
}

// ListExternalRecords reads the zone from the server. An empty recordType
// returns every record.
func (a *Adapter) ListExternalRecords(
	ctx context.Context,
	target Target,
	zone, recordType string,
) ([]ExternalRecord, error) {
	records, err := a.backend.ListRecords(ctx, target, zone)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s on %s", zone, target.Name)
	}

	if recordType == "" {
		return records, nil
	}

	return slices.DeleteFunc(records, func(r ExternalRecord) bool {
		return !strings.EqualFold(r.Type, recordType)
	}), nil
}

// DetectOrphans returns the records target holds for the zone that nothing declares.
func (a *Adapter) DetectOrphans(ctx context.Context, target Target, decl ZoneDeclaration) ([]ExternalRecord, error) {
	external, err := a.ListExternalRecords(ctx, target, decl.Zone, "")
	if err != nil {
		return nil, err
	}

	return Orphans(external, decl), nil
}

// DeleteExternalRecord removes one record. Removing an absent record succeeds.
func (a *Adapter) DeleteExternalRecord(ctx context.Context, target Target, zone string, record ExternalRecord) error {
	err := a.backend.DeleteRecord(ctx, target, zone, record)
	if err != nil && !errors.Is(err, ErrZoneNotFound) {
		return errors.Wrapf(err, "failed to delete orphan %s from %s", record.Key(), target.Name)
	}

	return nil
}

// PruneOrphans deletes every orphan on target. Failed deletions are logged
// and returned together; they do not stop the remaining deletions.
func (a *Adapter) PruneOrphans(ctx context.Context, target Target, decl ZoneDeclaration) (int, error) {
	orphans, err := a.DetectOrphans(ctx, target, decl)
	if err != nil {
		return 0, err
	}

	logger := slog.Default().With("zone", decl.Zone, "target", target.Name)

	var (
		deleted int
		errs    []error
	)

	for _, orphan := range orphans {
		err := a.DeleteExternalRecord(ctx, target, decl.Zone, orphan)
		if err != nil {
			logger.WarnContext(ctx, "failed to delete orphan record", "record", orphan.Key(), "error", err)
			errs = append(errs, err)

			continue
		}

		logger.InfoContext(ctx, "deleted orphan record", "record", orphan.Key(), "data", orphan.Data)

		deleted++
	}

	if deleted > 0 {
		a.metrics.RecordOrphansDeleted(ctx, decl.Zone, deleted)
	}

	return deleted, errors.Join(errs...)
}

// FanOut runs fn for every target with bounded parallelism and returns the
// failures keyed by target name. A failing target never cancels the others.
func (a *Adapter) FanOut(ctx context.Context, targets []Target, fn func(context.Context, Target) error) map[string]error {
	var (
		mu       sync.Mutex
		failures = make(map[string]error)
	)

	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)

	for _, target := range targets {
		g.Go(func() error {
			err := fn(ctx, target)
			if err != nil {
				mu.Lock()
				failures[target.Name] = err
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return failures
}

// Orphans returns the external records whose RRset no declared record owns.
// Records the server manages itself are never returned: the SOA, apex NS,
// DNSSEC material and glue for the declared name servers.
func Orphans(external []ExternalRecord, decl ZoneDeclaration) []ExternalRecord {
	apex := dns.Fqdn(strings.ToLower(decl.Zone))

	declared := make(map[string]struct{}, len(decl.Records))
	for _, set := range decl.Records {
		declared[set.Key()] = struct{}{}
	}

	glue := make(map[string]struct{}, len(decl.NameServers))
	for _, ns := range decl.NameServers {
		glue[dns.Fqdn(strings.ToLower(ns))] = struct{}{}
	}

	var out []ExternalRecord

	for _, record := range external {
		if _, ok := declared[record.Key()]; ok {
			continue
		}

		if isInfrastructure(record, apex, glue) {
			continue
		}

		out = append(out, record)
	}

	return out
}

func isInfrastructure(record ExternalRecord, apex string, glue map[string]struct{}) bool {
	rrtype := dns.StringToType[strings.ToUpper(record.Type)]
	if _, ok := infrastructureTypes[rrtype]; ok {
		return true
	}

	owner := dns.Fqdn(strings.ToLower(record.Name))

	switch rrtype {
	case dns.TypeNS:
		return owner == apex
	case dns.TypeA, dns.TypeAAAA:
		_, ok := glue[owner]

		return ok
	default:
		return false
	}
}

// BuildZoneRequest renders the zone definition for target. Primaries notify
// and allow transfers to the secondary peers; secondaries pull from the
// primary peers.
func BuildZoneRequest(zone *v1alpha1.Zone, target Target, peers []Target) ZoneRequest {
	spec := zone.Spec

	nameServers := make([]string, 0, len(spec.GetNameServers()))
	for _, ns := range spec.GetNameServers() {
		nameServers = append(nameServers, dns.Fqdn(ns))
	}

	cfg := ZoneConfig{
		TTL: spec.GetTTL(),
		SOA: SOA{
			PrimaryNS:   dns.Fqdn(spec.SOA.PrimaryNS),
			AdminEmail:  dns.Fqdn(spec.SOA.AdminEmail),
			Serial:      spec.SOA.Serial,
			Refresh:     spec.SOA.GetRefresh(),
			Retry:       spec.SOA.GetRetry(),
			Expire:      spec.SOA.GetExpire(),
			NegativeTTL: spec.SOA.GetNegativeTTL(),
		},
		NameServers:   nameServers,
		NameServerIPs: spec.NameServerIPs,
	}

	req := ZoneRequest{ZoneName: strings.TrimSuffix(spec.ZoneName, "."), ZoneConfig: cfg}

	if target.Role == v1alpha1.RoleSecondary {
		req.ZoneType = ZoneTypeSecondary
		req.ZoneConfig.Primaries = peerHosts(peers, v1alpha1.RolePrimary)

		return req
	}

	req.ZoneType = ZoneTypePrimary
	req.UpdateKeyName = target.Key.KeyName
	req.ZoneConfig.AlsoNotify = peerHosts(peers, v1alpha1.RoleSecondary)
	req.ZoneConfig.AllowTransfer = req.ZoneConfig.AlsoNotify

	return req
}

func peerHosts(peers []Target, role v1alpha1.Role) []string {
	var out []string

	for _, peer := range peers {
		if peer.Role != role || peer.DNSAddr == "" {
			continue
		}

		host, _, err := net.SplitHostPort(peer.DNSAddr)
		if err != nil {
			host = peer.DNSAddr
		}

		out = append(out, host)
	}

	slices.Sort(out)

	return slices.Compact(out)
}
