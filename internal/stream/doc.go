// Package stream forwards bus events to external observers.
//
// The event_stream hook copies every dispatched event into a Broadcaster,
// which fans it out to subscribers. The /events endpoint upgrades to a
// websocket and writes one JSON Message per event:
//
//	GET /events?kind=tool:*&identifier=gh_*
//
// Delivery is best effort. A subscriber whose buffer is full misses events
// rather than slowing down tool calls.
package stream
