// Package dedupe provides message deduplication using a time-based cache
// to prevent processing duplicate messages within a configurable window.
//
// The cache only short-circuits provider redeliveries that arrive while a key
// is still resident. Durable at-most-once persistence comes from the store's
// unique provider message id, so a cache miss is always safe.
package dedupe
