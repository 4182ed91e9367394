// Package api хранит OpenAPI-описание HTTP API сервиса.
package api

import _ "embed"

//go:embed openapi.json
var OpenAPISpec []byte
