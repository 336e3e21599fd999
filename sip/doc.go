// Package sip implements the SIP (RFC 3261) transaction and dialog layers
// together with the transports and message processors that feed them.
//
// The [Stack] owns the transaction and dialog tables, the timer clock and the set of
// [Processor]s, each serving one [Transport]. Inbound messages are matched to
// transactions (RFC 3261 section 17), in-dialog requests are checked against the
// dialog state (section 12) and the resulting events are delivered to the application
// [Listener] exactly once and in order per transaction and dialog.
//
// SIP message parsing and rendering is delegated to [github.com/emiago/sipgo/sip].
package sip

//go:generate go tool errtrace -w .
