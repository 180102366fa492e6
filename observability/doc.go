// Package observability records system-wide lifecycle metrics through
// OpenTelemetry. Register the MetricsExtension to track enqueue rates,
// completion and failure counts, retries, dead-letter entries,
// transaction outcomes and cron fires without touching handler code.
package observability
