package rest

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yml
var openAPISpec []byte

// APIDocument is the embedded OpenAPI document after it has been parsed and
// validated.
type APIDocument struct {
	Spec *openapi3.T
	raw  []byte
}

// LoadAPIDocument parses the embedded document and fails start-up when it is
// not a valid OpenAPI 3 description.
func LoadAPIDocument(ctx context.Context) (*APIDocument, error) {
	loader := openapi3.NewLoader()
	spec, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := spec.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return &APIDocument{Spec: spec, raw: openAPISpec}, nil
}

// HasOperation reports whether the document describes method on path.
func (d *APIDocument) HasOperation(method, path string) bool {
	item := d.Spec.Paths.Find(path)
	if item == nil {
		return false
	}
	return item.GetOperation(method) != nil
}

func (d *APIDocument) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.raw)
}
