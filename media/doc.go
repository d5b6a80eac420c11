// Package media manages local capture resources (microphone and camera)
// for call sessions.
//
// The Manager acquires devices through a pluggable DeviceProvider, hands
// ownership of the resulting tracks to the caller as an opaque Handle, and
// guarantees that releasing a handle stops every underlying track. Release
// is idempotent so that cancellation and normal hangup paths can both
// attempt cleanup without coordinating.
//
// Acquisition may prompt the user for permission and therefore blocks on a
// user timescale; callers pass a context to abandon the wait. A handle
// granted after its context was cancelled is still returned so the caller
// can release it, so no capture device stays active behind a cancelled call.
package media
