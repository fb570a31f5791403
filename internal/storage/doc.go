// Package storage defines the Backend contract shared by the two persistence
// engines and implements both: RelationalBackend on embedded SQLite with a
// migrated schema, and KeyValueBackend, which emulates the same tables inside
// one JSON blob in a kvstore.Store. Factory picks one per process.
//
// The two backends differ in one documented way: Transaction is atomic on
// RelationalBackend and is NOT atomic on KeyValueBackend.
package storage
