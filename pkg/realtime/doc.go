// Package realtime broadcasts domain events to websocket subscribers and
// authorizes channel subscriptions.
//
// Channels are named kind.id: user.{id}, tenant.{id}, vehicle.{id} and
// service-request.{id}, optionally prefixed with "private-". A caller may
// subscribe to its own user channel, its own tenant channel and the channel
// of any entity that exists in its tenant.
//
// Events reach subscribers through a Transport. Hub delivers within one
// process; RedisTransport and KafkaTransport relay through a broker and feed
// a local Hub on every instance. Broadcaster.Broadcast is fire-and-forget.
//
// Wire messages are JSON objects of the form
//
//	{"event": "vehicle.status-updated", "channel": "tenant.3", "data": {...}}
package realtime
