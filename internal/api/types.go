package api

// ProbeResponse is the body of /health and /readiness
type ProbeResponse struct {
	Status string `json:"status"`

	// Error explains a failed readiness check
	Error string `json:"error,omitempty"`
}
