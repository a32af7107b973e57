package bind9

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/miekg/dns"

	"github.com/lexfrei/bind9-fleet-operator/internal/metrics"
)

const defaultDNSTimeout = 10 * time.Second

// DNSClient sends RFC 2136 updates and AXFR queries signed with the Instance key.
type DNSClient struct {
	metrics metrics.Collector
	timeout time.Duration
}

// NewDNSClient creates a DNS client.
func NewDNSClient(collector metrics.Collector, timeout time.Duration) *DNSClient {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}

	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}

	return &DNSClient{metrics: collector, timeout: timeout}
}

// ReplaceRRset atomically replaces the RRset with the records in set.
func (c *DNSClient) ReplaceRRset(ctx context.Context, target Target, zone string, set RecordSet) error {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	m.RemoveRRset([]dns.RR{rrsetHeader(set.Name, set.Type)})
	m.Insert(set.RRs)

	return c.update(ctx, "replace_rrset", target, zone, m)
}

// DeleteRRset removes every record of the given owner and type.
func (c *DNSClient) DeleteRRset(ctx context.Context, target Target, zone, name, rrtype string) error {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	m.RemoveRRset([]dns.RR{rrsetHeader(name, rrtype)})

	return c.update(ctx, "delete_rrset", target, zone, m)
}

// DeleteRecord removes a single record.
func (c *DNSClient) DeleteRecord(ctx context.Context, target Target, zone string, record ExternalRecord) error {
	rr, err := record.RR()
	if err != nil {
		return errors.Wrapf(ErrInvalidRecord, "%s: %v", record.Key(), err)
	}

	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	m.Remove([]dns.RR{rr})

	return c.update(ctx, "delete_record", target, zone, m)
}

// Transfer returns every record of zone via AXFR. The closing SOA is dropped.
func (c *DNSClient) Transfer(ctx context.Context, target Target, zone string) ([]ExternalRecord, error) {
	start := time.Now()
	records, err := c.transfer(ctx, target, zone)
	c.record(ctx, "transfer", err, time.Since(start))

	if err != nil {
		return nil, mark(errors.Mark(err, ErrZoneTransfer))
	}

	return records, nil
}

func (c *DNSClient) transfer(ctx context.Context, target Target, zone string) ([]ExternalRecord, error) {
	timeout := c.deadline(ctx)

	tr := &dns.Transfer{DialTimeout: timeout, ReadTimeout: timeout, WriteTimeout: timeout}

	m := new(dns.Msg)
	m.SetAxfr(dns.Fqdn(zone))

	err := c.sign(&tr.TsigSecret, m, target)
	if err != nil {
		return nil, err
	}

	envelopes, err := tr.In(m, target.DNSAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "axfr %s from %s", zone, target.DNSAddr)
	}

	var (
		records []ExternalRecord
		soaSeen bool
	)

	for env := range envelopes {
		if env.Error != nil {
			return nil, axfrError(zone, target, env.Error)
		}

		for _, rr := range env.RR {
			if rr.Header().Rrtype == dns.TypeSOA {
				if soaSeen {
					continue
				}

				soaSeen = true
			}

			records = append(records, FromRR(rr))
		}
	}

	if ctx.Err() != nil {
		return nil, errors.Wrapf(ctx.Err(), "axfr %s from %s", zone, target.DNSAddr)
	}

	return records, nil
}

// axfrError recovers the rcode from a failed transfer, which miekg/dns
// reports as "bad xfr rcode: N".
func axfrError(zone string, target Target, err error) error {
	_, code, found := strings.Cut(err.Error(), "rcode: ")
	if !found {
		return errors.Wrapf(err, "axfr %s from %s", zone, target.DNSAddr)
	}

	rcode, convErr := strconv.Atoi(strings.TrimSpace(code))
	if convErr != nil {
		return errors.Wrapf(err, "axfr %s from %s", zone, target.DNSAddr)
	}

	rcodeErr := &RcodeError{Op: "axfr", Zone: zone, Code: rcode}
	if rcode == dns.RcodeNotZone || rcode == dns.RcodeNameError {
		return errors.Mark(rcodeErr, ErrZoneNotFound)
	}

	return rcodeErr
}

func (c *DNSClient) update(ctx context.Context, op string, target Target, zone string, m *dns.Msg) error {
	start := time.Now()
	err := c.exchange(ctx, op, target, zone, m)
	c.record(ctx, op, err, time.Since(start))

	return mark(err)
}

func (c *DNSClient) exchange(ctx context.Context, op string, target Target, zone string, m *dns.Msg) error {
	client := &dns.Client{Net: "tcp", Timeout: c.deadline(ctx)}

	err := c.sign(&client.TsigSecret, m, target)
	if err != nil {
		return err
	}

	resp, _, err := client.ExchangeContext(ctx, m, target.DNSAddr)
	if err != nil {
		return errors.Wrapf(err, "%s %s on %s", op, zone, target.DNSAddr)
	}

	if resp.Rcode != dns.RcodeSuccess {
		rcodeErr := &RcodeError{Op: op, Zone: zone, Code: resp.Rcode}
		if resp.Rcode == dns.RcodeNotZone || resp.Rcode == dns.RcodeNameError {
			return errors.Mark(rcodeErr, ErrZoneNotFound)
		}

		return rcodeErr
	}

	return nil
}

// sign attaches a TSIG record to m when the target has key material.
func (c *DNSClient) sign(secrets *map[string]string, m *dns.Msg, target Target) error {
	if target.Key.Secret == "" {
		return nil
	}

	alg, err := target.Key.TSIGAlgorithm()
	if err != nil {
		return errors.Mark(err, ErrConfiguration)
	}

	name := target.Key.TSIGKeyName()
	*secrets = map[string]string{name: target.Key.Secret}
	m.SetTsig(name, alg, TSIGFudge, time.Now().Unix())

	return nil
}

func (c *DNSClient) deadline(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 && remaining < c.timeout {
			return remaining
		}
	}

	return c.timeout
}

func (c *DNSClient) record(ctx context.Context, op string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
		c.metrics.RecordBackendError(ctx, op, metrics.ClassifyBackendError(err))
	}

	c.metrics.RecordBackendCall(ctx, op, result, duration)
}

func rrsetHeader(name, rrtype string) dns.RR {
	return &dns.ANY{Hdr: dns.RR_Header{
		Name:   dns.Fqdn(name),
		Rrtype: dns.StringToType[strings.ToUpper(rrtype)],
		Class:  dns.ClassANY,
	}}
}
