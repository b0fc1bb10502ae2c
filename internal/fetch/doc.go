// Package fetch runs resumable downloads into the cache.
//
// A Session resolves a url through the cache index, returns complete files
// without touching the network, and otherwise opens a transport source with the
// partial file length as resume hint. Bytes are appended or rewritten depending
// on whether the source confirmed the resume, progress is reported per chunk,
// and the final length and validator are written back to the index.
//
// A Manager owns the sessions of a process: it keeps one current download per
// subscription, lets concurrent requests for the same url share one session,
// and implements refresh (discard and restart) and confirmation of downloads
// paused by the size warning.
package fetch
