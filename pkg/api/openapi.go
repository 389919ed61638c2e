package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sandboxrunner/resource-slot/pkg/version"
)

// OpenAPISpec represents the OpenAPI 3.1 document served by the API
type OpenAPISpec struct {
	OpenAPI string                 `json:"openapi"`
	Info    OpenAPIInfo            `json:"info"`
	Servers []OpenAPIServer        `json:"servers,omitempty"`
	Paths   map[string]OpenAPIPath `json:"paths"`
	Tags    []OpenAPITag           `json:"tags,omitempty"`
}

// OpenAPIInfo contains API information
type OpenAPIInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// OpenAPIServer represents a server
type OpenAPIServer struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// OpenAPIPath maps lower-case HTTP methods to operations
type OpenAPIPath map[string]OpenAPIOperation

// OpenAPIOperation represents an HTTP operation
type OpenAPIOperation struct {
	Tags        []string                   `json:"tags,omitempty"`
	Summary     string                     `json:"summary,omitempty"`
	OperationID string                     `json:"operationId,omitempty"`
	Parameters  []OpenAPIParameter         `json:"parameters,omitempty"`
	RequestBody *OpenAPIRequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]OpenAPIResponse `json:"responses"`
}

// OpenAPIParameter represents a path or query parameter
type OpenAPIParameter struct {
	Name        string          `json:"name"`
	In          string          `json:"in"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// OpenAPIRequestBody represents a request body
type OpenAPIRequestBody struct {
	Content  map[string]OpenAPIMediaType `json:"content"`
	Required bool                        `json:"required,omitempty"`
}

// OpenAPIResponse represents a response
type OpenAPIResponse struct {
	Description string `json:"description"`
}

// OpenAPIMediaType represents a media type
type OpenAPIMediaType struct {
	Schema json.RawMessage `json:"schema,omitempty"`
}

// OpenAPITag represents a tag
type OpenAPITag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// operationDoc describes one route; paths are relative to the base path
type operationDoc struct {
	method    string
	path      string
	tag       string
	id        string
	summary   string
	query     []OpenAPIParameter
	body      string
	responses map[string]string
}

var (
	stringSchema  = json.RawMessage(`{"type": "string"}`)
	booleanSchema = json.RawMessage(`{"type": "boolean"}`)
	integerSchema = json.RawMessage(`{"type": "integer", "minimum": 0}`)

	eventQuery = []OpenAPIParameter{
		{Name: "sandbox", In: "query", Description: "Only events of this sandbox", Schema: stringSchema},
		{Name: "type", In: "query", Description: "Comma separated event types", Schema: stringSchema},
	}
)

var operationDocs = []operationDoc{
	{"GET", "/sandboxes", "sandboxes", "listSandboxes", "List sandboxes ordered by id", nil, "",
		map[string]string{"200": "Sandbox snapshots"}},
	{"POST", "/sandboxes", "sandboxes", "createSandbox", "Register a sandbox in the created state", nil, createSandboxSchemaSource,
		map[string]string{"201": "Sandbox created", "400": "Invalid request body", "409": "Sandbox already exists"}},
	{"GET", "/sandboxes/{id}", "sandboxes", "getSandbox", "Get a sandbox snapshot", nil, "",
		map[string]string{"200": "Sandbox snapshot", "404": "Sandbox not found"}},
	{"PUT", "/sandboxes/{id}", "sandboxes", "updateSandbox", "Replace the sandbox document and re-derive resource intent", nil, updateSandboxSchemaSource,
		map[string]string{"200": "Sandbox updated", "400": "Invalid request body", "404": "Sandbox not found"}},
	{"DELETE", "/sandboxes/{id}", "sandboxes", "deleteSandbox", "Remove a sandbox; unknown ids succeed", nil, "",
		map[string]string{"204": "Sandbox removed"}},
	{"POST", "/sandboxes/{id}/start", "lifecycle", "startSandbox", "Mark a sandbox running", nil, "",
		map[string]string{"200": "Sandbox status", "404": "Sandbox not found"}},
	{"POST", "/sandboxes/{id}/stop", "lifecycle", "stopSandbox", "Mark a sandbox stopped and fire its exit signal",
		[]OpenAPIParameter{{Name: "force", In: "query", Schema: booleanSchema}}, "",
		map[string]string{"200": "Sandbox status", "400": "Invalid force parameter", "404": "Sandbox not found"}},
	{"GET", "/sandboxes/{id}/status", "lifecycle", "getSandboxStatus", "Get the sandbox status", nil, "",
		map[string]string{"200": "Sandbox status", "404": "Sandbox not found"}},
	{"GET", "/sandboxes/{id}/ping", "lifecycle", "pingSandbox", "Check that a sandbox is tracked", nil, "",
		map[string]string{"200": "Sandbox is tracked", "404": "Sandbox not found"}},
	{"GET", "/sandboxes/{id}/data", "sandboxes", "getSandboxData", "Get the sandbox specification document", nil, "",
		map[string]string{"200": "Sandbox document", "404": "Sandbox not found"}},
	{"GET", "/sandboxes/{id}/transitions", "lifecycle", "getSandboxTransitions", "Get recent status transitions", nil, "",
		map[string]string{"200": "Status transitions", "404": "Sandbox not found"}},
	{"GET", "/sandboxes/{id}/wait", "lifecycle", "waitSandbox", "Block until the sandbox stops",
		[]OpenAPIParameter{{Name: "timeout", In: "query", Description: "Go duration, capped by the server wait timeout", Schema: stringSchema}}, "",
		map[string]string{"200": "Sandbox stopped", "404": "Sandbox not found", "408": "Sandbox did not stop in time"}},
	{"GET", "/sandboxes/{id}/containers", "containers", "listContainers", "List containers ordered by id", nil, "",
		map[string]string{"200": "Containers", "404": "Sandbox not found"}},
	{"POST", "/sandboxes/{id}/containers", "containers", "appendContainer", "Add a container to a sandbox", nil, appendContainerSchemaSource,
		map[string]string{"201": "Container added", "400": "Invalid request body", "404": "Sandbox not found", "409": "Container already exists"}},
	{"GET", "/sandboxes/{id}/containers/{cid}", "containers", "getContainer", "Get a container", nil, "",
		map[string]string{"200": "Container", "404": "Sandbox or container not found"}},
	{"PUT", "/sandboxes/{id}/containers/{cid}", "containers", "updateContainer", "Replace a container document", nil, updateContainerSchemaSource,
		map[string]string{"200": "Container updated", "400": "Invalid request body", "404": "Sandbox or container not found"}},
	{"DELETE", "/sandboxes/{id}/containers/{cid}", "containers", "removeContainer", "Remove a container", nil, "",
		map[string]string{"204": "Container removed", "404": "Sandbox or container not found"}},
	{"GET", "/usage", "system", "getUsage", "Aggregate declared resource intent", nil, "",
		map[string]string{"200": "Aggregated usage"}},
	{"GET", "/events", "events", "listEvents", "Recent lifecycle events",
		append([]OpenAPIParameter{
			{Name: "limit", In: "query", Schema: integerSchema},
			{Name: "source", In: "query", Description: "memory or journal", Schema: stringSchema},
		}, eventQuery...), "",
		map[string]string{"200": "Events, oldest first", "503": "Events or journal unavailable"}},
	{"GET", "/events/ws", "events", "streamEvents", "Stream lifecycle events over a websocket", eventQuery, "",
		map[string]string{"101": "Switching to websocket", "503": "Events unavailable"}},
	{"GET", "/version", "system", "getVersion", "Build metadata", nil, "",
		map[string]string{"200": "Version information"}},
	{"GET", "/openapi.json", "system", "getOpenAPISpec", "This document", nil, "",
		map[string]string{"200": "OpenAPI document"}},
}

// generateOpenAPISpec generates the OpenAPI document for the routes above
func generateOpenAPISpec(config RESTAPIConfig) *OpenAPISpec {
	spec := &OpenAPISpec{
		OpenAPI: "3.1.0",
		Info: OpenAPIInfo{
			Title:       "resource-slot API",
			Description: "Tracks sandbox lifecycle and declared resource intent",
			Version:     version.Get().Version,
		},
		Servers: []OpenAPIServer{
			{URL: config.BasePath, Description: "resource-slot daemon"},
		},
		Tags: []OpenAPITag{
			{Name: "sandboxes", Description: "Sandbox registration and documents"},
			{Name: "lifecycle", Description: "Status changes and exit notification"},
			{Name: "containers", Description: "Containers within a sandbox"},
			{Name: "events", Description: "Lifecycle event history and streaming"},
			{Name: "system", Description: "Usage and build metadata"},
		},
		Paths: make(map[string]OpenAPIPath),
	}

	for _, doc := range operationDocs {
		op := OpenAPIOperation{
			Tags:        []string{doc.tag},
			Summary:     doc.summary,
			OperationID: doc.id,
			Parameters:  append(pathParameters(doc.path), doc.query...),
			Responses:   make(map[string]OpenAPIResponse, len(doc.responses)),
		}
		if doc.body != "" {
			op.RequestBody = &OpenAPIRequestBody{
				Required: true,
				Content: map[string]OpenAPIMediaType{
					"application/json": {Schema: json.RawMessage(doc.body)},
				},
			}
		}
		for code, description := range doc.responses {
			op.Responses[code] = OpenAPIResponse{Description: description}
		}

		path, ok := spec.Paths[doc.path]
		if !ok {
			path = make(OpenAPIPath)
			spec.Paths[doc.path] = path
		}
		path[strings.ToLower(doc.method)] = op
	}

	return spec
}

func pathParameters(path string) []OpenAPIParameter {
	var params []OpenAPIParameter
	for _, name := range []string{"id", "cid"} {
		if strings.Contains(path, "{"+name+"}") {
			params = append(params, OpenAPIParameter{Name: name, In: "path", Required: true, Schema: stringSchema})
		}
	}
	return params
}

func (api *RESTAPI) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	api.writeJSONResponse(w, http.StatusOK, generateOpenAPISpec(api.config))
}
