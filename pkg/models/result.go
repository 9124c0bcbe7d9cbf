package models

// Result is the structured envelope shared by the gateway REST surface and
// the webhook callback protocol.
type Result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Ok wraps a successful payload.
func Ok(data any) Result {
	return Result{OK: true, Data: data}
}

// Err wraps a failure message.
func Err(err error) Result {
	return Result{OK: false, Error: err.Error()}
}
