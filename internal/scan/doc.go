// Package scan defines the scan record, job and status types shared by the
// store, queue, cache and HTTP layers, along with the error taxonomy callers
// branch on with errors.Is.
package scan
