// Package store defines read-side repository interfaces and the records shared
// between the discovery, reporting and API layers. Implementations live under
// internal/storage; this package must not import database drivers.
package store
