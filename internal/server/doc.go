// Package server hosts the Fiber HTTP service and its middleware chain.
// NewApp attaches panic recovery and request ids, then mounts the /file
// handler supplied by the caller; diagnostics under /-/ are registered by the
// routes subpackage. The package only depends on the FileHandler interface so
// tests can inject fakes without a cache or backends.
package server
