// Package reliability turns acknowledgements into delivery outcomes.
//
// The Manager settles in-flight deliveries through the queue: a positive ack
// removes the delivery, a negative ack or an expired ack deadline counts one
// failed attempt and either requeues the delivery behind a backoff gate or,
// once MaxAttempts failures accumulated, writes it to the dead-letter store.
//
// Backoff policies are deterministic unless jitter is enabled:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2)
//	policy.Delay(1) // 100ms
//	policy.Delay(3) // 400ms
//
// CircuitBreaker guards the external sinks that dead letters are forwarded
// to, so a broken broker cannot slow down settlement.
package reliability
