package orderschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"stackyard/internal/domain"
)

//go:embed orders.schema.json
var ordersSchema []byte

const schemaURL = "orders.schema.json"

var ErrInvalidBatch = errors.New("invalid order batch")

type Order struct {
	ID      string `json:"id,omitempty"`
	Items   []int  `json:"items,omitempty"`
	Content string `json:"content,omitempty"`
}

type Batch struct {
	Orders []Order `json:"orders"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(ordersSchema)); err != nil {
			compileErr = fmt.Errorf("add order schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Decode validates raw against the order batch schema and converts it to
// order requests. Item lists given as "12-34-56" content are parsed.
func Decode(raw []byte) ([]domain.OrderRequest, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	var batch Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	out := make([]domain.OrderRequest, 0, len(batch.Orders))
	for i, o := range batch.Orders {
		items := o.Items
		if len(items) == 0 && o.Content != "" {
			items, err = domain.ParseItemList(o.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: order %d: %v", ErrInvalidBatch, i, err)
			}
		}
		if items == nil {
			items = []int{}
		}
		out = append(out, domain.OrderRequest{ID: o.ID, Items: items})
	}
	return out, nil
}
