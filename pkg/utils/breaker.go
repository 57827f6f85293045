package utils

import "github.com/sony/gobreaker"

// ExecuteWithBreaker runs fn through the breaker and recovers the
// typed result from gobreaker's interface{} API. On any error the zero
// value of T is returned alongside it.
func ExecuteWithBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return res.(T), nil
}
