// Package interceptors wraps envelope handlers with cross-cutting concerns.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each envelope with its handling time
//   - MetricsInterceptor: records handler duration and errors
//   - RecoveryInterceptor: turns panics into failed deliveries
//   - TimeoutInterceptor: bounds handler time
//   - CircuitBreakerInterceptor: stops calling a handler whose dependency is down
//   - FilteringInterceptor and ConditionalInterceptor: route by type, topic or sender
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithRecovery().
//		WithLogging().
//		WithMetrics(collector).
//		WithTimeout(30 * time.Second).
//		Build()
//
//	err := chain.Execute(ctx, env, handler)
//
// Interceptors run in the order they are added, with the final handler last.
// A nil error from the chain acknowledges the delivery; any error fails it.
package interceptors
