// Package netmod implements a peer-to-peer session layer on top of UDP.
//
// A Session owns a single UDP socket and a set of Connections, each keyed
// by a 128-bit peer identity rather than by address. On top of that a
// Connection offers three delivery qualities: unreliable, reliable and
// unordered, and reliable and ordered ("stream"). There is no congestion
// control, no fragmentation, and no concurrency inside the package: an
// application drives everything by calling Session.Update on a fixed
// cadence from a single goroutine.
package netmod
