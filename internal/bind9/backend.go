package bind9

import (
	"context"
)

// Backend is the wire surface the adapter drives. Client is the real
// implementation; FakeBackend records calls in memory.
type Backend interface {
	PutZone(ctx context.Context, target Target, req ZoneRequest) error
	GetZone(ctx context.Context, target Target, zone string) (bool, error)
	ModifyZone(ctx context.Context, target Target, req ZoneRequest) error
	NotifyZone(ctx context.Context, target Target, zone string) error
	RetransferZone(ctx context.Context, target Target, zone string) error
	DeleteZone(ctx context.Context, target Target, zone string) error
	PutRecord(ctx context.Context, target Target, zone string, set RecordSet) error
	DeleteRRset(ctx context.Context, target Target, zone, name, rrtype string) error
	ListRecords(ctx context.Context, target Target, zone string) ([]ExternalRecord, error)
	DeleteRecord(ctx context.Context, target Target, zone string, record ExternalRecord) error
}

// Client manages zones through the sidecar API and records through
// signed dynamic updates.
type Client struct {
	HTTP *HTTPClient
	DNS  *DNSClient
}

var _ Backend = (*Client)(nil)

// NewClient composes the two protocol clients.
func NewClient(httpClient *HTTPClient, dnsClient *DNSClient) *Client {
	return &Client{HTTP: httpClient, DNS: dnsClient}
}

func (c *Client) PutZone(ctx context.Context, target Target, req ZoneRequest) error {
	return c.HTTP.PutZone(ctx, target, req)
}

func (c *Client) GetZone(ctx context.Context, target Target, zone string) (bool, error) {
	return c.HTTP.ZoneExists(ctx, target, zone)
}

func (c *Client) ModifyZone(ctx context.Context, target Target, req ZoneRequest) error {
	return c.HTTP.ModifyZone(ctx, target, req)
}

func (c *Client) NotifyZone(ctx context.Context, target Target, zone string) error {
	return c.HTTP.NotifyZone(ctx, target, zone)
}

func (c *Client) RetransferZone(ctx context.Context, target Target, zone string) error {
	return c.HTTP.RetransferZone(ctx, target, zone)
}

func (c *Client) DeleteZone(ctx context.Context, target Target, zone string) error {
	return c.HTTP.DeleteZone(ctx, target, zone)
}

func (c *Client) PutRecord(ctx context.Context, target Target, zone string, set RecordSet) error {
	return c.DNS.ReplaceRRset(ctx, target, zone, set)
}

func (c *Client) DeleteRRset(ctx context.Context, target Target, zone, name, rrtype string) error {
	return c.DNS.DeleteRRset(ctx, target, zone, name, rrtype)
}

func (c *Client) ListRecords(ctx context.Context, target Target, zone string) ([]ExternalRecord, error) {
	return c.DNS.Transfer(ctx, target, zone)
}

func (c *Client) DeleteRecord(ctx context.Context, target Target, zone string, record ExternalRecord) error {
	return c.DNS.DeleteRecord(ctx, target, zone, record)
}
