// Package downloader acquires every tile covering a region over a zoom range.
//
// # Algorithm
//
// Zoom levels are processed in ascending order. For each level the tile
// rectangle is computed, tiles already present in the store are counted as
// processed and skipped, and the remaining tiles are fetched in batches of at
// most Options.BatchSize concurrent requests. A batch is fully joined before
// the next one starts and batches are separated by Options.BatchPause.
//
// # Circuit Breaker
//
// After each batch the per-tile results are folded in dispatch order into a
// consecutive failure counter: a failure increments it, a success resets it.
// When the counter exceeds Options.MaxConsecutiveErrors the run is abandoned
// with RetryableFailure. Tiles stored so far stay valid and are skipped on the
// next run.
//
// # Outcomes
//
//   - Success: every zoom level finished without tripping the breaker; the
//     store is marked complete.
//   - RetryableFailure: the breaker tripped; retry later.
//   - FatalFailure: storage error, invalid input or cancellation; retrying
//     without intervention will not help.
package downloader
