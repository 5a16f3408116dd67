package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/gaspardpetit/imagerelay/internal/logx"
)

// BuildOpenAPI describes the public endpoints and validates the result.
func BuildOpenAPI(ctx context.Context, version string) (*openapi3.T, error) {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   "imagerelay API",
			Version: version,
		},
		Paths: openapi3.NewPaths(),
	}

	errSchema := openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema())
	errResp := func(desc string) *openapi3.ResponseRef {
		return &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription(desc).
			WithJSONSchema(errSchema)}
	}

	reqSchema := openapi3.NewObjectSchema().
		WithProperty("inputs", openapi3.NewStringSchema().WithMinLength(1)).
		WithAnyAdditionalProperties()
	reqSchema.Required = []string{"inputs"}

	binary := openapi3.NewStringSchema().WithFormat("binary")
	generate := openapi3.NewOperation()
	generate.OperationID = "generateImage"
	generate.Summary = "Generate an image from a text prompt"
	generate.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
		WithRequired(true).
		WithJSONSchema(reqSchema)}
	generate.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription("Generated image").
			WithContent(openapi3.Content{
				"image/jpeg": openapi3.NewMediaType().WithSchema(binary),
				"image/png":  openapi3.NewMediaType().WithSchema(binary),
			})}),
		openapi3.WithStatus(http.StatusBadRequest, errResp("Missing inputs or invalid JSON")),
		openapi3.WithStatus(http.StatusMethodNotAllowed, errResp("Method not allowed")),
		openapi3.WithStatus(http.StatusRequestEntityTooLarge, errResp("Request body too large")),
		openapi3.WithStatus(http.StatusTooManyRequests, errResp("Rate limit exceeded")),
		openapi3.WithStatus(http.StatusInternalServerError, errResp("API key not configured or internal error")),
		openapi3.WithStatus(http.StatusGatewayTimeout, errResp("Upstream timeout")),
	)
	doc.AddOperation("/api/generate-image", http.MethodPost, generate)

	statusSchema := openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema())
	health := openapi3.NewOperation()
	health.OperationID = "getHealthz"
	health.Summary = "Liveness and drain status"
	health.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription("Serving").WithJSONSchema(statusSchema)}),
		openapi3.WithStatus(http.StatusServiceUnavailable, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription("Draining").WithJSONSchema(statusSchema)}),
	)
	doc.AddOperation("/healthz", http.MethodGet, health)

	state := openapi3.NewOperation()
	state.OperationID = "getState"
	state.Summary = "Instance state snapshot"
	state.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription("State").WithJSONSchema(openapi3.NewObjectSchema())}),
		openapi3.WithStatus(http.StatusUnauthorized, errResp("Unauthorized")),
	)
	doc.AddOperation("/api/state", http.MethodGet, state)

	stream := openapi3.NewOperation()
	stream.OperationID = "getStateStream"
	stream.Summary = "Stream state snapshots as server-sent events"
	stream.Responses = openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription("Event stream").
			WithContent(openapi3.Content{
				"text/event-stream": openapi3.NewMediaType().WithSchema(openapi3.NewStringSchema()),
			})}),
		openapi3.WithStatus(http.StatusUnauthorized, errResp("Unauthorized")),
	)
	doc.AddOperation("/api/state/stream", http.MethodGet, stream)

	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: %w", err)
	}
	return doc, nil
}

// OpenAPIHandler serves doc as JSON. The document is encoded once.
func OpenAPIHandler(doc *openapi3.T) http.HandlerFunc {
	b, err := json.Marshal(doc)
	if err != nil {
		logx.Log.Error().Err(err).Msg("marshal openapi")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if b == nil {
			http.Error(w, "openapi unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}
}
