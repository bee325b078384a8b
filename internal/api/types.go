package api

import "bakerstreet/internal/registry"

// ServicesResponse is the body of GET /v1/services.
type ServicesResponse struct {
	Services registry.Services `json:"services"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
