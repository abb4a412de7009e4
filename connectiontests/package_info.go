// Package connectiontests contains the connection scenarios and the per-test API they are
// written against.
//
// Every scenario runs once per combination of protocol, authentication type, client role
// and proxy mode returned by Matrix. Combinations a scenario does not apply to are reported
// as skipped, except for the multiplexing scenario, which only lists combinations that
// SupportsMultiplexing.
//
// Tests provision real identities in the directory service and connect real clients, so
// a run needs a hub connection string. Everything a test creates is removed again when it
// finishes.
package connectiontests
