// Package ir provides the canonical value model and core records shared by
// every component of the execution engine.
//
// ir imports nothing internal; every other internal package imports ir.
//
// Key constraints:
//   - No floating point anywhere. Numbers are int64.
//   - No null. Absent fields are omitted instead.
//   - Canonical JSON (RFC 8785 ordering, NFC strings) is the only encoding
//     used for hashing.
//   - Ledger ordering uses logical sequence numbers, never wall-clock time.
package ir
