// Package store provides the record store every agent-studio registry is
// built on: a key-value map, named membership sets and a notification
// channel.
//
// # Contract
//
//	Set(key, value)            persist a record blob
//	Get(key)                   read it back (ErrNotFound when absent)
//	Del(key)                   remove it, reporting whether it existed
//	AddToSet / RemoveFromSet   maintain "all ids of this kind"
//	MembersOf(set)             enumerate a set
//	Publish(channel, message)  fan a notification out to subscribers
//	Subscribe(channel)         receive notifications in publish order
//
// Keys are namespaced by record kind, e.g. "agent:<id>" with the set
// "agents:list". Registries write before they publish, so a subscriber that
// sees "REGISTERED:<id>" can read the record immediately.
//
// # Backends
//
//   - MemoryStore: in-process maps, for tests and single-process deployments
//   - SQLiteStore: durable tables through modernc.org/sqlite; notifications
//     fan out in-process
//   - NATSStore: JetStream KV for records and sets, core NATS subjects for
//     notifications, shared across processes
package store
