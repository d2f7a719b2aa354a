// Package circuitbreaker lets a mapping fail fast while its upstream is down.
//
// A breaker has three states:
//
//   - CLOSED: requests are forwarded
//   - OPEN: requests are answered locally without touching the upstream
//   - HALF-OPEN: a single probe request is forwarded to test recovery
//
// Breakers are created with a failure threshold; a threshold of zero disables
// the breaker entirely, which is the proxy's default.
//
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second, nil)
//	cb := registry.GetBreaker("localhost:8080")
//	if cb.Allow() {
//	    // forward...
//	    if err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
