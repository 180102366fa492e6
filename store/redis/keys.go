package redis

// Redis key naming conventions for txflow data.
// All keys are prefixed with "txflow:" to avoid collisions.

const keyPrefix = "txflow:"

// ── Job keys ──

// jobKey returns the key for a job entity: txflow:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the Sorted Set key for a queue: txflow:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// queueNamesKey is the Set tracking all queue names, used when a claim
// does not name explicit queues.
const queueNamesKey = keyPrefix + "queue_names"

// ── Cron keys ──

// cronKey returns the key for a cron entry entity: txflow:cron:{id}
func cronKey(id string) string { return keyPrefix + "cron:" + id }

// cronIDsKey is the Set tracking all cron IDs for enumeration.
const cronIDsKey = keyPrefix + "cron_ids"

// cronNamesKey maps cron names to IDs for duplicate detection.
const cronNamesKey = keyPrefix + "cron_names"

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry entity: txflow:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Set tracking all DLQ entry IDs for enumeration.
const dlqIDsKey = keyPrefix + "dlq_ids"

// ── Transaction keys ──

// kvKey returns the key for unit-of-work data: txflow:kv:{key}
func kvKey(key string) string { return keyPrefix + "kv:" + key }
