// Package transport opens byte streams for cached downloads.
//
// A Source turns a Request (url, resume offset, stored validator) into a Stream
// that reports the total length, the authoritative validator, and whether the
// bytes continue the partial file already on disk. The HTTP source negotiates
// resume with Range requests and ETag/Last-Modified comparison; the local source
// re-reads files from disk and never resumes.
package transport
