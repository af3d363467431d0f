// Package downlink turns the raw serial byte stream from the flight computer
// into decoded telemetry messages.
//
// Ownership boundary:
// - frame synchronization and checksum validation (protocol/frame)
// - payload decoding (protocol/telemetry)
// - handing each message to the injected sinks, in order
//
// A Receiver is a single-writer component: Feed, OnDataAvailable and Run
// serialize on one lock and must not be driven from two sources at once.
// A failing source is fatal; retrying belongs to whoever owns the device.
package downlink
