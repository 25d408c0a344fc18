// Package usage meters upstream model calls.
//
// Recording is fire-and-forget: the proxy request path hands an Event to
// the recorder and moves on. Events are buffered in memory, batched, and
// written to the database by a background worker. When the buffer is
// full the event is dropped and counted; usage accounting never slows
// down or fails a request.
package usage
