// Package fragments provides low-level encoding and decoding helpers
// to construct and parse msgbus wire messages.
//
// The encoder and decoder know about alignment and byte order, and
// nothing else. It is the caller's responsibility to produce valid
// messages with them: the msgbus package layers signatures, values and
// message headers on top.
package fragments
