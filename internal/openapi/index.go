// Package openapi loads the fleet backend's OpenAPI document and indexes the
// operations it declares, so the BFF can detect when the backend no longer
// serves an endpoint the client depends on.
package openapi

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Operation is a (method, path template) pair the client calls.
type Operation struct {
	Method string
	Path   string
}

func (o Operation) String() string { return o.Method + " " + o.Path }

// IndexedOperation is an operation declared by the backend document.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
}

// Index is an in-memory index of the backend's operations keyed by method and
// normalized path.
type Index struct {
	operations map[string]IndexedOperation
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{operations: make(map[string]IndexedOperation)}
}

var paramPattern = regexp.MustCompile(`\{[^}]*\}`)

// operationKey normalizes parameter names so /vehicles/{id} matches
// /vehicles/{vehicleId}.
func operationKey(method, path string) string {
	path = paramPattern.ReplaceAllString(path, "{}")
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}
	return strings.ToUpper(method) + " " + path
}

// Load parses and validates the document at specPath. basePath is the path
// component of the client's base URL (e.g. "/api"); it is stripped from
// document paths that carry it so both sides compare relative paths.
func (idx *Index) Load(specPath, basePath string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return fmt.Errorf("openapi: loading %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", specPath, err)
	}

	basePath = strings.TrimRight(basePath, "/")
	for path, pathItem := range doc.Paths.Map() {
		rel := path
		if basePath != "" && strings.HasPrefix(path, basePath+"/") {
			rel = strings.TrimPrefix(path, basePath)
		}
		for method, op := range pathItem.Operations() {
			idx.operations[operationKey(method, rel)] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: rel,
			}
		}
	}
	return nil
}

// Lookup returns the backend operation serving method and path.
func (idx *Index) Lookup(method, path string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationKey(method, path)]
	return op, ok
}

// Len returns the number of indexed operations.
func (idx *Index) Len() int { return len(idx.operations) }

// Missing returns the operations in want that the document does not declare,
// sorted.
func (idx *Index) Missing(want []Operation) []string {
	var missing []string
	for _, op := range want {
		if _, ok := idx.Lookup(op.Method, op.Path); !ok {
			missing = append(missing, op.String())
		}
	}
	sort.Strings(missing)
	return missing
}
