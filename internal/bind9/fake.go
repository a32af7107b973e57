package bind9

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"
)

// Operation names reported by FakeBackend.CallCount.
const (
	OpPutZone        = "PutZone"
	OpGetZone        = "GetZone"
	OpModifyZone     = "ModifyZone"
	OpNotifyZone     = "NotifyZone"
	OpRetransferZone = "RetransferZone"
	OpDeleteZone     = "DeleteZone"
	OpPutRecord      = "PutRecord"
	OpDeleteRRset    = "DeleteRRset"
	OpListRecords    = "ListRecords"
	OpDeleteRecord   = "DeleteRecord"
)

// FakeBackend is an in-memory Backend. Creating a zone seeds its SOA, apex
// NS and glue records the way a server would.
type FakeBackend struct {
	mu      sync.Mutex
	zones   map[string]map[string]ZoneRequest
	records map[string][]ExternalRecord
	calls   map[string]int
	errs    map[string]error
}

var _ Backend = (*FakeBackend)(nil)

// NewFakeBackend returns an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		zones:   make(map[string]map[string]ZoneRequest),
		records: make(map[string][]ExternalRecord),
		calls:   make(map[string]int),
		errs:    make(map[string]error),
	}
}

// SetError makes every call of op fail with err. A nil err clears it.
func (f *FakeBackend) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.errs, op)

		return
	}

	f.errs[op] = err
}

// CallCount returns how often op was called.
func (f *FakeBackend) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

// HasZone reports whether target serves zone.
func (f *FakeBackend) HasZone(target, zone string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.zones[target][zoneKey(zone)]

	return ok
}

// Zone returns the request the zone was created with.
func (f *FakeBackend) Zone(target, zone string) (ZoneRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.zones[target][zoneKey(zone)]

	return req, ok
}

// Records returns a copy of what target holds for zone.
func (f *FakeBackend) Records(target, zone string) []ExternalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.records[recordsKey(target, zone)])
}

// AddRecords places records on the server behind the operator's back.
func (f *FakeBackend) AddRecords(target, zone string, records ...ExternalRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := recordsKey(target, zone)
	for _, record := range records {
		record.Name = dns.Fqdn(strings.ToLower(record.Name))
		f.records[key] = append(f.records[key], record)
	}
}

func (f *FakeBackend) enter(op string) error {
	f.mu.Lock()
	f.calls[op]++

	return f.errs[op]
}

func (f *FakeBackend) PutZone(_ context.Context, target Target, req ZoneRequest) error {
	err := f.enter(OpPutZone)
	defer f.mu.Unlock()

	if err != nil {
		return err
	}

	if f.zones[target.Name] == nil {
		f.zones[target.Name] = make(map[string]ZoneRequest)
	}

	key := zoneKey(req.ZoneName)
	if _, ok := f.zones[target.Name][key]; ok {
		return nil
	}

	f.zones[target.Name][key] = req
	f.records[recordsKey(target.Name, req.ZoneName)] = authorityRecords(req)

	return nil
}

func (f *FakeBackend) GetZone(_ context.Context, target Target, zone string) (bool, error) {
	err := f.enter(OpGetZone)
	defer f.mu.Unlock()

	if err != nil {
		return false, err
	}

	_, ok := f.zones[target.Name][zoneKey(zone)]

	return ok, nil
}

// ModifyZone replaces the zone definition and the authority records it
// seeds. Other records are kept.
func (f *FakeBackend) ModifyZone(_ context.Context, target Target, req ZoneRequest) error {
	err := f.enter(OpModifyZone)
	defer f.mu.Unlock()

	if err != nil {
		return err
	}

	key := zoneKey(req.ZoneName)

	prev, ok := f.zones[target.Name][key]
	if !ok {
		return errors.Mark(errors.Newf("zone %s not found on %s", req.ZoneName, target.Name), ErrZoneNotFound)
	}

	stale := make(map[string]struct{})
	for _, record := range authorityRecords(prev) {
		stale[record.Key()] = struct{}{}
	}

	rkey := recordsKey(target.Name, req.ZoneName)
	kept := slices.DeleteFunc(f.records[rkey], func(r ExternalRecord) bool {
		_, ok := stale[r.Key()]

		return ok
	})

	f.zones[target.Name][key] = req
	f.records[rkey] = append(kept, authorityRecords(req)...)

	return nil
}

func (f *FakeBackend) NotifyZone(_ context.Context, _ Target, _ string) error {
	err := f.enter(OpNotifyZone)
	defer f.mu.Unlock()

	return err
}

func (f *FakeBackend) RetransferZone(_ context.Context, _ Target, _ string) error {
	err := f.enter(OpRetransferZone)
	defer f.mu.Unlock()

	return err
}

func (f *FakeBackend) DeleteZone(_ context.Context, target Target, zone string) error {
	err := f.enter(OpDeleteZone)
	defer f.mu.Unlock()

	if err != nil {
		return err
	}

	delete(f.zones[target.Name], zoneKey(zone))
	delete(f.records, recordsKey(target.Name, zone))

	return nil
}

func (f *FakeBackend) PutRecord(_ context.Context, target Target, zone string, set RecordSet) error {
	err := f.enter(OpPutRecord)
	defer f.mu.Unlock()

	if err != nil {
		return err
	}

	if _, ok := f.zones[target.Name][zoneKey(zone)]; !ok {
		return errors.Mark(&RcodeError{Op: "update", Zone: zone, Code: dns.RcodeNotZone}, ErrZoneNotFound)
	}

	key := recordsKey(target.Name, zone)
	kept := slices.DeleteFunc(f.records[key], func(r ExternalRecord) bool { return r.Key() == set.Key() })
	f.records[key] = append(kept, set.Records()...)

	return nil
}

func (f *FakeBackend) DeleteRRset(_ context.Context, target Target, zone, name, rrtype string) error {
	err := f.enter(OpDeleteRRset)
	defer f.mu.Unlock()

	if err != nil {
		return err
	}

	setKey := ExternalRecord{Name: name, Type: rrtype}.Key()
	key := recordsKey(target.Name, zone)
	f.records[key] = slices.DeleteFunc(f.records[key], func(r ExternalRecord) bool { return r.Key() == setKey })

	return nil
}

func (f *FakeBackend) ListRecords(_ context.Context, target Target, zone string) ([]ExternalRecord, error) {
	err := f.enter(OpListRecords)
	defer f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if _, ok := f.zones[target.Name][zoneKey(zone)]; !ok {
		return nil, errors.Mark(&RcodeError{Op: "axfr", Zone: zone, Code: dns.RcodeNotZone}, ErrZoneNotFound)
	}

	return slices.Clone(f.records[recordsKey(target.Name, zone)]), nil
}

func (f *FakeBackend) DeleteRecord(_ context.Context, target Target, zone string, record ExternalRecord) error {
	err := f.enter(OpDeleteRecord)
	defer f.mu.Unlock()

	if err != nil {
		return err
	}

	key := recordsKey(target.Name, zone)
	f.records[key] = slices.DeleteFunc(f.records[key], func(r ExternalRecord) bool {
		return r.Key() == record.Key() && r.Data == record.Data
	})

	return nil
}

func zoneKey(zone string) string {
	return strings.ToLower(strings.TrimSuffix(zone, "."))
}

func recordsKey(target, zone string) string {
	return target + "|" + zoneKey(zone)
}

func authorityRecords(req ZoneRequest) []ExternalRecord {
	apex := dns.Fqdn(zoneKey(req.ZoneName))
	cfg := req.ZoneConfig
	ttl := uint32(cfg.TTL) //nolint:gosec // validated non-negative by the CRD

	out := []ExternalRecord{{
		Name: apex,
		Type: "SOA",
		TTL:  ttl,
		Data: fmt.Sprintf("%s %s %d %d %d %d %d",
			cfg.SOA.PrimaryNS, cfg.SOA.AdminEmail, cfg.SOA.Serial,
			cfg.SOA.Refresh, cfg.SOA.Retry, cfg.SOA.Expire, cfg.SOA.NegativeTTL),
	}}

	for _, ns := range cfg.NameServers {
		out = append(out, ExternalRecord{Name: apex, Type: "NS", TTL: ttl, Data: dns.Fqdn(ns)})
	}

	for ns, ip := range cfg.NameServerIPs {
		rrtype := "A"
		if addr, err := netip.ParseAddr(ip); err == nil && addr.Is6() {
			rrtype = "AAAA"
		}

		out = append(out, ExternalRecord{Name: dns.Fqdn(strings.ToLower(ns)), Type: rrtype, TTL: ttl, Data: ip})
	}

	return out
}
