// Package oracle adapts predcache to an external compute oracle.
//
// The bridge hands a Request to a Client and later receives a Response via
// its callback entry point. Two clients are provided:
//
//   - HTTPClient posts the canonical request payload to a gateway URL.
//   - Local is an in-process simulator that fetches each condition's
//     endpoint, evaluates it, and delivers the callback asynchronously
//     through a FIFO delivery queue.
//
// Results travel as a single 32-byte big-endian word: zero means false and
// any other value means true. A response carrying an error, or data that is
// not exactly one word, decodes to Unknown.
package oracle
