package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"kanban-api/domain"
)

// layoutSchema accepts either a list of {stage, tasks} columns or the board
// UI shape keyed by column id: {"<col>": {"name": ..., "items": [{"_id": ...}]}}.
const layoutSchema = `{
	"oneOf": [
		{
			"type": "array",
			"items": {
				"type": "object",
				"required": ["stage", "tasks"],
				"additionalProperties": false,
				"properties": {
					"stage": {"type": "string", "minLength": 1},
					"tasks": {"type": "array", "items": {"type": "string", "minLength": 1}}
				}
			}
		},
		{
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["name", "items"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"items": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["_id"],
							"properties": {"_id": {"type": "string", "minLength": 1}}
						}
					}
				}
			}
		}
	]
}`

var compiledLayoutSchema = jsonschema.MustCompileString("layout.json", layoutSchema)

type boardColumn struct {
	Name  string `json:"name"`
	Items []struct {
		ID string `json:"_id"`
	} `json:"items"`
}

// parseLayout validates a layout payload and converts it, keeping the
// caller's column order for both shapes.
func parseLayout(data []byte) (domain.Layout, error) {
	var doc any
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, &domain.ValidationError{Field: "layout", Message: "must be valid JSON"}
	}
	if err := compiledLayoutSchema.Validate(doc); err != nil {
		return nil, schemaError("layout", err)
	}
	if _, isList := doc.([]any); isList {
		var layout domain.Layout
		if err := sonic.Unmarshal(data, &layout); err != nil {
			return nil, &domain.ValidationError{Field: "layout", Message: "must be a list of columns"}
		}
		return layout, nil
	}
	return parseBoardColumns(data)
}

// parseBoardColumns walks the object form token by token since decoding into
// a map would lose the column order.
func parseBoardColumns(data []byte) (domain.Layout, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	layout := domain.Layout{}
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var col boardColumn
		if err := dec.Decode(&col); err != nil {
			return nil, &domain.ValidationError{Field: "layout", Message: "must map columns to {name, items}"}
		}
		ids := make([]string, 0, len(col.Items))
		for _, it := range col.Items {
			ids = append(ids, it.ID)
		}
		layout = append(layout, domain.Column{Stage: col.Name, TaskIDs: ids})
	}
	return layout, nil
}

// schemaError reports the most deeply located schema violation as a
// ValidationError whose field path starts at root.
func schemaError(root string, err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &domain.ValidationError{Field: root, Message: err.Error()}
	}
	leaf := deepestCause(ve)
	field := root
	if loc := strings.Trim(leaf.InstanceLocation, "/"); loc != "" {
		field = strings.ReplaceAll(loc, "/", ".")
		if root != "" {
			field = fmt.Sprintf("%s.%s", root, field)
		}
	}
	return &domain.ValidationError{Field: field, Message: leaf.Message}
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	best := ve
	for _, cause := range ve.Causes {
		if c := deepestCause(cause); len(c.InstanceLocation) > len(best.InstanceLocation) || best == ve {
			best = c
		}
	}
	return best
}
