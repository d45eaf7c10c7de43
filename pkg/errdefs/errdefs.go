// Package errdefs provides standard error types for appcage.
//
// These sentinel errors allow callers to check for specific error conditions
// using errors.Is(), enabling programmatic error handling.
package errdefs

import "errors"

// Instance lookup and registration errors
var (
	// ErrNotFound indicates the specified instance does not exist.
	ErrNotFound = errors.New("instance not found")

	// ErrDuplicateInstance indicates an instance with the same name is already registered.
	ErrDuplicateInstance = errors.New("instance already registered")

	// ErrAlreadyExists indicates a sandbox root (or other on-disk resource) already exists.
	ErrAlreadyExists = errors.New("already exists")
)

// Acquisition pipeline errors
var (
	// ErrDownloadFailed indicates the installer could not be fetched.
	ErrDownloadFailed = errors.New("download failed")

	// ErrResourceNotFound indicates no locator strategy could find the packed resource.
	ErrResourceNotFound = errors.New("packed resource not found")

	// ErrNoEntryPoint indicates the unpacked resource tree contains no known entry point file.
	ErrNoEntryPoint = errors.New("no entry point found")
)

// Sandbox and privilege errors
var (
	// ErrNamespaceUnavailable indicates unprivileged namespace creation is not
	// available on this host. Sandboxed execution never falls back to running
	// unconfined when this is returned.
	ErrNamespaceUnavailable = errors.New("namespace isolation unavailable")

	// ErrPermissionDenied indicates the operation requires an elevated principal.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnsupportedPlatform indicates the host has no mechanism for the requested operation.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Lifecycle errors
var (
	// ErrPartialFailure indicates an operation failed after partially mutating
	// durable state. The instance is left registered but non-ready for inspection.
	ErrPartialFailure = errors.New("partial failure")
)
