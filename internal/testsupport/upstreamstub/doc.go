// Package upstreamstub hosts a deterministic fake of the error-reporting
// vendor's envelope ingestion endpoint. Tests point the tunnel at it and then
// assert on the envelopes it recorded and the replies it scripted.
package upstreamstub
