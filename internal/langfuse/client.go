package langfuse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/tracedchat/tracedchat/internal/trace"
)

const ingestionPath = "/api/public/ingestion"

// Client delivers finalized trace records to a Langfuse-compatible
// ingestion endpoint. It implements trace.Exporter. Transient HTTP
// failures are retried with backoff; a delivery that still fails after the
// retry budget is reported to the caller (the writer contains it there).
type Client struct {
	host       string
	publicKey  string
	secretKey  string
	httpClient *retryablehttp.Client
	now        func() time.Time
	newEventID func() string
}

// Options configures a Client. Host, PublicKey, and SecretKey are
// required; the rest default to sensible values.
type Options struct {
	Host      string
	PublicKey string
	SecretKey string

	// Transport, when set, replaces the underlying HTTP transport (used
	// to wrap delivery in OpenTelemetry client spans).
	Transport http.RoundTripper
	// MaxRetries bounds retransmission attempts per batch. Zero means the
	// default of 3.
	MaxRetries int
	// RequestTimeout bounds a single delivery attempt. Zero means 10s.
	RequestTimeout time.Duration
}

func NewClient(options Options) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(options.Host), "/")
	if host == "" {
		return nil, fmt.Errorf("langfuse host is required")
	}
	if strings.TrimSpace(options.PublicKey) == "" {
		return nil, fmt.Errorf("langfuse public key is required")
	}
	if strings.TrimSpace(options.SecretKey) == "" {
		return nil, fmt.Errorf("langfuse secret key is required")
	}

	maxRetries := options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	requestTimeout := options.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = maxRetries
	httpClient.RetryWaitMin = 250 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = requestTimeout
	httpClient.Logger = nil
	if options.Transport != nil {
		httpClient.HTTPClient.Transport = options.Transport
	}

	return &Client{
		host:       host,
		publicKey:  options.PublicKey,
		secretKey:  options.SecretKey,
		httpClient: httpClient,
		now:        func() time.Time { return time.Now().UTC() },
		newEventID: uuid.NewString,
	}, nil
}

// Host returns the configured backend base URL.
func (c *Client) Host() string {
	return c.host
}

// ExportRecord delivers a single record as a one-event batch.
func (c *Client) ExportRecord(ctx context.Context, record *trace.Record) error {
	return c.ExportBatch(ctx, []*trace.Record{record})
}

// ExportBatch delivers a batch of finalized records in creation order.
func (c *Client) ExportBatch(ctx context.Context, records []*trace.Record) error {
	if len(records) == 0 {
		return nil
	}

	now := c.now()
	events := make([]ingestionEvent, 0, len(records))
	for _, record := range records {
		if record == nil || (record.Trace == nil && record.Span == nil) {
			continue
		}
		events = append(events, eventForRecord(record, c.newEventID(), now))
	}
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(ingestionBatch{Batch: events})
	if err != nil {
		return fmt.Errorf("encode ingestion batch: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.host+ingestionPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post ingestion batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingestion batch of %d events: unexpected status %d", len(events), resp.StatusCode)
	}

	// 207 multi-status: the batch was accepted but individual events may
	// have been rejected.
	if resp.StatusCode == http.StatusMultiStatus {
		var multi ingestionResponse
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&multi); decodeErr == nil && len(multi.Errors) > 0 {
			first := multi.Errors[0]
			return fmt.Errorf("ingestion rejected %d of %d events (first: %d %s)",
				len(multi.Errors), len(events), first.Status, first.Message)
		}
	}

	return nil
}

// TraceURL returns the trace-viewing URL for one trace on the given
// backend host.
func TraceURL(host, traceID string) string {
	return strings.TrimRight(strings.TrimSpace(host), "/") + "/trace/" + traceID
}

// TracesURL returns the trace listing URL for the given backend host.
func TracesURL(host string) string {
	return strings.TrimRight(strings.TrimSpace(host), "/") + "/traces"
}
