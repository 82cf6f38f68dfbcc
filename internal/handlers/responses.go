package handlers

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatsResponse reports the relay's current fan-out size.
type StatsResponse struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

// BroadcastResponse acknowledges a queued system broadcast.
type BroadcastResponse struct {
	Status string `json:"status"`
}
