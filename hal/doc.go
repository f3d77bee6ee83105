// Package hal defines the external-collaborator boundary of the xHCI
// driver core: everything the core needs from the surrounding driver
// framework but does not implement itself.
//
// The core never allocates a DMA page or receives an MSI directly, and
// apart from package quirks (which reads and writes a sysfs PCI config
// file when its Config names one) it never touches a PCI config space —
// it asks for these through the interfaces in this package. Binding code (outside this module's scope) supplies the
// concrete implementations: mapping a BAR, wiring an interrupt, handing
// out coherent or non-coherent DMA pages, and relaying USB requests to
// and from the rest of the bus stack.
//
// # Design principles
//
//   - Minimal: only the operations the core's register, ring, and
//     enumeration logic actually needs.
//   - Platform-agnostic: no assumption about PCI vs. platform-bus
//     attachment, no assumption about cache coherency.
//   - Synchronous where the hardware is synchronous (register access),
//     asynchronous where the hardware is asynchronous (interrupts, DMA
//     buffer readiness).
//
// A reference, non-production implementation of [MMIO] backed by
// golang.org/x/sys/unix mmap is in hal/mmio for local testing off real
// hardware; production binding code is expected to supply its own.
package hal
