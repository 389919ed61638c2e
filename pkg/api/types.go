package api

import (
	"time"

	"github.com/sandboxrunner/resource-slot/pkg/sandbox"
)

// Request/Response types for REST API

// ListResponse wraps a collection
type ListResponse struct {
	Data      interface{} `json:"data"`
	Total     int         `json:"total"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error represents an API error
type Error struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Sandbox-related types

// CreateSandboxRequest registers a sandbox under ID
type CreateSandboxRequest struct {
	ID      string              `json:"id"`
	Sandbox sandbox.SandboxData `json:"sandbox"`
}

// UpdateSandboxRequest replaces the specification document of a sandbox
type UpdateSandboxRequest struct {
	Sandbox sandbox.SandboxData `json:"sandbox"`
}

// StatusResponse reports the current status of a sandbox
type StatusResponse struct {
	ID          string         `json:"id"`
	Status      sandbox.Status `json:"status"`
	Description string         `json:"description"`
}

// PingResponse answers a liveness probe for one sandbox
type PingResponse struct {
	ID        string    `json:"id"`
	Alive     bool      `json:"alive"`
	Timestamp time.Time `json:"timestamp"`
}

// WaitResponse is returned once the exit signal of a sandbox has fired
type WaitResponse struct {
	ID     string         `json:"id"`
	Status sandbox.Status `json:"status"`
	Waited string         `json:"waited"`
}

// Container-related types

// AppendContainerRequest adds a container under ID
type AppendContainerRequest struct {
	ID        string                `json:"id"`
	Container sandbox.ContainerData `json:"container"`
}

// UpdateContainerRequest replaces a container's specification document
type UpdateContainerRequest struct {
	Container sandbox.ContainerData `json:"container"`
}
