// Package cache is the section-level facade over the storage adapter. It owns
// every metadata and payload record: Save serializes, conditionally chunks and
// compresses, then writes payload records before the metadata record so a
// reader that finds metadata always finds its payload. Load never returns an
// error; misses, expirations and decode failures all surface as (nil, false)
// while failures are routed to the error recorder. Writers are serialized per
// section, and quota pressure triggers least-recently-accessed eviction.
package cache
