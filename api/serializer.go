package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodySize = 1 << 20

// Serializer is an echo.JSONSerializer backed by sonic.
type Serializer struct{}

func (Serializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (Serializer) Deserialize(c echo.Context, i interface{}) error {
	return decodeBody(c, i)
}

// schemaBound is implemented by request bodies that check field types
// before decoding.
type schemaBound interface {
	bodySchema() *jsonschema.Schema
}

// decodeBody reads at most maxBodySize bytes of JSON into v and rejects
// fields v does not declare. When v carries a schema, a field of the wrong
// type is reported as a ValidationError naming it.
func decodeBody(c echo.Context, v any) error {
	data, err := readBody(c)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty body")
	}
	if sb, ok := v.(schemaBound); ok {
		var doc any
		if err := sonic.Unmarshal(data, &doc); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
		}
		if err := sb.bodySchema().Validate(doc); err != nil {
			return schemaError("", err)
		}
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return nil
}

func readBody(c echo.Context) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if len(data) > maxBodySize {
		return nil, errBodyTooBig
	}
	return data, nil
}
