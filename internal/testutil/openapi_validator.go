package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

// OpenAPIValidator checks HTTP exchanges against the API contract.
type OpenAPIValidator struct {
	doc    *openapi3.T
	router routers.Router
}

// NewOpenAPIValidator creates a validator from a spec file or fails the test.
func NewOpenAPIValidator(t *testing.T, specPath string) *OpenAPIValidator {
	t.Helper()

	v, err := LoadOpenAPIValidator(specPath)
	if err != nil {
		t.Fatalf("load OpenAPI validator: %v", err)
	}
	return v
}

// LoadOpenAPIValidator loads and validates an OpenAPI spec.
// Use this in TestMain where *testing.T is not available.
func LoadOpenAPIValidator(specPath string) (*OpenAPIValidator, error) {
	loader := openapi3.NewLoader()

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load OpenAPI spec from %s: %w", specPath, err)
	}

	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validate OpenAPI spec: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create OpenAPI router: %w", err)
	}

	return &OpenAPIValidator{doc: doc, router: router}, nil
}

// Serve runs req through h and validates both sides of the exchange.
// The returned response body can be read by the caller.
func (v *OpenAPIValidator) Serve(t *testing.T, h http.Handler, req *http.Request) *http.Response {
	t.Helper()

	var reqBody []byte
	if req.Body != nil {
		var err error
		reqBody, err = io.ReadAll(req.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
	}

	req.Body = io.NopCloser(bytes.NewReader(reqBody))
	v.validateRequest(t, req)

	req.Body = io.NopCloser(bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	resp := rec.Result()
	req.Body = io.NopCloser(bytes.NewReader(reqBody))
	v.validateResponse(t, req, resp)
	return resp
}

func (v *OpenAPIValidator) skip(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

func (v *OpenAPIValidator) validateRequest(t *testing.T, req *http.Request) {
	t.Helper()

	if v.skip(req.URL.Path) {
		return
	}

	route, pathParams, err := v.router.FindRoute(req)
	if err != nil {
		t.Errorf("OpenAPI: no route found for %s %s: %v", req.Method, req.URL.Path, err)
		return
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}

	if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
		t.Errorf("OpenAPI request validation failed for %s %s: %v", req.Method, req.URL.Path, err)
	}
}

// validateResponse consumes and restores resp.Body.
func (v *OpenAPIValidator) validateResponse(t *testing.T, req *http.Request, resp *http.Response) {
	t.Helper()

	if v.skip(req.URL.Path) {
		return
	}

	route, pathParams, err := v.router.FindRoute(req)
	if err != nil {
		t.Errorf("OpenAPI: no route found for %s %s: %v", req.Method, req.URL.Path, err)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Errorf("read response body: %v", err)
		return
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	}

	if err := openapi3filter.ValidateResponse(context.Background(), input); err != nil {
		t.Errorf("OpenAPI response validation failed for %s %s (status %d):\n%s\nResponse body: %s",
			req.Method, req.URL.Path, resp.StatusCode, truncate(err.Error(), 500), truncate(strings.TrimSpace(string(body)), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
