package api

import "time"

type HealthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

type DetectResponse struct {
	Format   string `json:"format"`
	Tensors  int    `json:"tensors"`
	Topology string `json:"topology,omitempty"`
	Layers   int    `json:"layers,omitempty"`
}

type ErrorResponse struct {
	Error ResponseError `json:"error"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Conversion responses are safetensors bodies; these headers carry what the
// report would otherwise say.
const (
	HeaderConversionID = "X-Lowrank-Conversion-Id"
	HeaderLayers       = "X-Lowrank-Layers"
	HeaderSkipped      = "X-Lowrank-Skipped"
	HeaderWarnings     = "X-Lowrank-Warnings"

	MIMESafetensors = "application/vnd.safetensors"
)
