// Package store defines the scan record repository contract and the Records
// service that layers id and slug assignment on top of it. Engines live in
// the memory, postgres and sqlite subpackages; this package must not import
// database drivers.
package store
