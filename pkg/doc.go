// Package pkg provides shared utilities for the xHCI driver core.
//
// This package contains functionality used across every layer of the
// core (trb, ring, context, devstate, interrupter, enumerate, request,
// quirks, and the root xhci package), including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - The sentinel error taxonomy returned by the core
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with xHCI-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentEnumerate, "device addressed", "slot", 3)
//
// # Errors
//
// The core's error taxonomy is defined as sentinel values, with
// [CompletionCode] mapping a raw xHCI completion code onto it:
//
//	if errors.Is(err, pkg.ErrIoRefused) {
//	    // Handle endpoint stall
//	}
package pkg
