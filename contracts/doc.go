// Package contracts defines the envelope that flows through the bus.
//
// An Envelope carries routing fields (to, from, type, topic), an opaque
// payload and correlation metadata:
//   - Envelope: the routed unit, created with New and treated as immutable
//   - MessageType: the closed set task|event|reply|log
//   - Meta: trace id, priority and free-form extra keys
//   - Value: a schema-less structured value used for payload and meta
//
// The JSON encoding of an Envelope is the wire format persisted in the
// journal and the dead-letter file:
//
//	{"id":"...","to":"codex","from":"operator","type":"task","topic":"ping",
//	 "ts":1700000000,"payload":{"msg":"hello"},"meta":{"trace_id":"t-1","priority":0}}
package contracts
