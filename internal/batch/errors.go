package batch

// queueFullError signals backlog exhaustion for 429 mapping. Enqueue never
// blocks or retries; the caller decides whether to retry or drop.
type queueFullError struct{}

func (queueFullError) Error() string { return "batch backlog limit reached" }

// ErrQueueFull is returned by Enqueue when the backlog limit is reached.
var ErrQueueFull error = queueFullError{}

// IsQueueFull reports whether err indicates backlog exhaustion.
func IsQueueFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}
