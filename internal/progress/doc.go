// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces crawl workers use to report what they are doing.
// Events are batched on a background goroutine and fanned out to
// pluggable sinks such as structured logs or Prometheus metrics, so a
// slow sink can never stall a fetch.
package progress
