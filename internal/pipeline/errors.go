package pipeline

// UnprocessableEventError wraps payloads that can never be parsed. Without a
// dead letter queue such deliveries are requeued forever, which trades
// liveness for no data loss.
type UnprocessableEventError struct {
	Payload string
	Err     error
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable change event: " + e.Err.Error()
}

func (e *UnprocessableEventError) Unwrap() error {
	return e.Err
}
