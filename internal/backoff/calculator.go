package backoff

// Pow calculates b^exp for non-negative integer exponents without
// pulling in math.Pow on the retry hot path.
func Pow(b float64, exp int) float64 {
	if exp <= 0 {
		return 1.0
	}
	// Prevent runaway growth on absurd attempt numbers
	if exp > 30 {
		exp = 30
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= b
	}
	return result
}

// Fibonacci returns the n-th fibonacci number with fib(1) = fib(2) = 1.
// Capped at n = 40 to keep the multiplier bounded.
func Fibonacci(n int) int {
	if n <= 0 {
		return 0
	}
	if n > 40 {
		n = 40
	}
	a, b := 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}
