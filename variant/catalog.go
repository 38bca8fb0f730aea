package variant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// CATALOG - Where variation definitions live
// =============================================================================

// Catalog stores product variation definitions. Products are owned by an
// external catalog service; this is the copy the ledger validates against.
//
// SaveDefinition appends a new version. Previous versions are kept so a
// definition edit never rewrites history.
type Catalog interface {
	SaveDefinition(ctx context.Context, productID string, def Definition) error

	// Definition returns the latest version, or an empty definition when the
	// product was never declared.
	Definition(ctx context.Context, productID string) (Definition, error)

	// DefinitionHistory returns every saved version, oldest first.
	DefinitionHistory(ctx context.Context, productID string) ([]Version, error)
}

// Version is one saved definition.
type Version struct {
	ProductID  string
	Number     int
	Definition Definition
	SavedAt    time.Time
}

// ParseDefinition decodes and validates a JSON definition:
//
//	{"Color": ["Red", "Blue"], "Size": ["S", "M"]}
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode variant definition: %w", err)
	}
	if def == nil {
		def = Definition{}
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Marshal encodes a definition for storage. Value order is preserved.
func (d Definition) Marshal() ([]byte, error) {
	if d == nil {
		d = Definition{}
	}
	return json.Marshal(d)
}
