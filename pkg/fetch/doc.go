/*
Package fetch downloads quotes, K-line bars and trade ticks from the
upstream market data API and decodes them into observation types.

Responses may be gzip-compressed without saying so and may be wrapped in a
JSONP callback; both are handled before parsing.

# Errors and Retries

	transport error, 429, 5xx    retried
	ErrMalformed                 retried (truncated or non-JSON body)
	ErrNoData                    permanent (no data node, suspended, empty)
	other 4xx                    permanent

Retries run under the short policy (linear backoff) for the continuous price
loop and the long policy (constant backoff) for bulk scans. When a rate limit
is configured every request first waits on a shared token bucket, so a scan
fan-out cannot flood the upstream.

Each call increments heron_upstream_requests_total with result success,
no_data, malformed or error.
*/
package fetch
