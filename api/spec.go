// Package api holds the OpenAPI document served at /openapi.json.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 description of the HTTP API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
