package authdoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FetchError reports a document fetch that failed after retries were
// exhausted or that was rejected outright.
type FetchError struct {
	URL       string
	Status    int  // non-zero when the server answered with an error status
	Transient bool // true for network-level failures worth retrying later
	cause     error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.cause)
}

func (e *FetchError) Unwrap() error { return e.cause }

// FetcherConfig bounds a single document fetch.
type FetcherConfig struct {
	Timeout time.Duration // per-attempt timeout
	Retries int           // additional attempts after the first
	Backoff time.Duration // initial backoff between attempts
}

// Fetcher retrieves authentication documents over HTTP.
//
// Transient network failures (connection refused, timeouts) are retried with
// exponential backoff up to the configured attempt budget. HTTP error
// statuses are never retried: the server answered, and its answer stands.
type Fetcher struct {
	client *http.Client
	cfg    FetcherConfig
}

// NewFetcher builds a Fetcher. A nil client uses a default one; the
// per-attempt timeout comes from cfg either way.
func NewFetcher(client *http.Client, cfg FetcherConfig) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, cfg: cfg}
}

// maxDocumentSize caps a response body read; a registry should never accept
// an unbounded document from an untrusted server.
const maxDocumentSize = 1 << 20

// Fetch retrieves the document at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(f.cfg.Backoff),
		),
		uint64(f.cfg.Retries),
	), ctx)

	var body []byte
	operation := func() error {
		var err error
		body, err = f.fetchOnce(ctx, url)
		if err == nil {
			return nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && !fe.Transient {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	attemptCtx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, cause: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Transient: isTransient(err), cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &FetchError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, &FetchError{URL: url, Transient: isTransient(err), cause: err}
	}
	return body, nil
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true // connection refused, reset, unreachable
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true // connection dropped mid-response
	}
	return errors.Is(err, context.DeadlineExceeded)
}
