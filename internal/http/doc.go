// Package http provides an HTTP client for streaming per-unit payloads.
//
// This package handles:
//   - Connection pooling for high parallelism
//   - Separate connect and response-header timeouts
//   - Status classification into sentinel errors
//   - ETag cleanup
//
// Retrying is not done here. The scheduler owns the retry budget and backoff
// for every unit, so each call performs exactly one request.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	resp, err := client.Open(ctx, url)
//	if errors.Is(err, http.ErrRateLimited) {
//	    // back off
//	}
//	defer resp.Body.Close()
package http
