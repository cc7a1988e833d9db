package chansync

import "log"

// Logger receives diagnostic messages chansync cannot otherwise surface
// to a caller. Currently this is limited to a single case: a panic
// recovered from a callback registered with a Selector (spec.md §4.2
// treats a callback panic as a programming error, but requires the
// intent to still count as fired, so the panic cannot simply propagate
// out of Select). Replace Logger to route these into whatever logging
// the rest of a program already uses. Logger defaults to log.Default().
var Logger = log.Default()
