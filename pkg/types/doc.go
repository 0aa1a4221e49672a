// Package types defines the grid data model (tables, columns, records, cells),
// the DataService contract consumed by the cache, backend configuration, and
// the standard errors shared across gridcache packages.
// See docs/ARCHITECTURE.md § Data Model and § Data Service.
package types
