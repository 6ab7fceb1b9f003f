package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-warehouse-gateway/pkg/warehouse"
)

func noopHandler(_ context.Context, _ warehouse.Session, _ map[string]any) (any, error) {
	return nil, nil
}

func previewDescriptor() *Descriptor {
	return &Descriptor{
		Name:        "base_table_preview",
		Description: "Preview rows from a table",
		Params: []Param{
			{Name: "table_name", Type: "string", Description: "Table to preview", Required: true},
			{Name: "limit", Type: "integer", Description: "Max rows", Default: float64(10)},
		},
		SessionKind: warehouse.SessionPooled,
		InjectArgs:  map[string]any{"catalog": "analytics"},
		Handler:     noopHandler,
	}
}

func TestInputSchema(t *testing.T) {
	raw, err := previewDescriptor().InputSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))

	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, props, 2)
	assert.NotContains(t, props, "catalog", "injected arguments must stay hidden")

	tableProp, ok := props["table_name"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", tableProp["type"])
	assert.Equal(t, "Table to preview", tableProp["description"])

	limitProp, ok := props["limit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(10), limitProp["default"])

	assert.Equal(t, []any{"table_name"}, schema["required"])
}

func TestInputSchemaNoParams(t *testing.T) {
	d := &Descriptor{Name: "x", SessionKind: warehouse.SessionPooled, Handler: noopHandler}
	raw, err := d.InputSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.NotContains(t, schema, "required")
}

func TestMergeArgs(t *testing.T) {
	d := previewDescriptor()

	t.Run("defaults applied", func(t *testing.T) {
		args, err := d.mergeArgs(map[string]any{"table_name": "orders"})
		require.NoError(t, err)
		assert.Equal(t, "orders", args["table_name"])
		assert.Equal(t, float64(10), args["limit"])
		assert.Equal(t, "analytics", args["catalog"])
	})

	t.Run("client overrides default", func(t *testing.T) {
		args, err := d.mergeArgs(map[string]any{"table_name": "orders", "limit": float64(50)})
		require.NoError(t, err)
		assert.Equal(t, float64(50), args["limit"])
	})

	t.Run("unknown argument rejected", func(t *testing.T) {
		_, err := d.mergeArgs(map[string]any{"table_name": "orders", "bogus": 1})
		assert.ErrorContains(t, err, `unknown argument "bogus"`)
	})

	t.Run("client cannot override injected argument", func(t *testing.T) {
		args, err := d.mergeArgs(map[string]any{"table_name": "orders", "catalog": "sandbox"})
		require.NoError(t, err)
		assert.Equal(t, "analytics", args["catalog"])
	})

	t.Run("missing required rejected", func(t *testing.T) {
		_, err := d.mergeArgs(nil)
		assert.ErrorContains(t, err, `missing required argument "table_name"`)
	})
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Descriptor)
		wantErr string
	}{
		{"valid", func(*Descriptor) {}, ""},
		{"missing name", func(d *Descriptor) { d.Name = "" }, "missing name"},
		{"missing handler", func(d *Descriptor) { d.Handler = nil }, "missing handler"},
		{"missing session kind", func(d *Descriptor) { d.SessionKind = "" }, "missing session kind"},
		{"bad session kind", func(d *Descriptor) { d.SessionKind = "shared" }, "unknown session kind"},
		{
			"public and injected collision",
			func(d *Descriptor) { d.InjectArgs = map[string]any{"limit": 1} },
			"both public and injected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := previewDescriptor()
			tt.mutate(d)
			err := d.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
