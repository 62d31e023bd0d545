package schema

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// genSchema generates a random canonical schema tree, including unions,
// type arrays and missing type markers.
func genSchema(t *rapid.T, depth int) *types.JSONSchema {
	if depth >= 4 {
		return &types.JSONSchema{Type: types.SchemaTypeString}
	}
	switch rapid.IntRange(0, 6).Draw(t, "kind") {
	case 0:
		return &types.JSONSchema{Type: types.SchemaTypeString}
	case 1:
		return &types.JSONSchema{Type: types.SchemaTypeNumber}
	case 2: // type union
		return &types.JSONSchema{Types: []types.SchemaType{
			types.SchemaTypeNull,
			rapid.SampledFrom([]types.SchemaType{types.SchemaTypeString, types.SchemaTypeInteger}).Draw(t, "alt"),
		}}
	case 3: // anyOf
		return &types.JSONSchema{AnyOf: []*types.JSONSchema{
			genSchema(t, depth+1),
			genSchema(t, depth+1),
		}}
	case 4: // array
		return &types.JSONSchema{Type: types.SchemaTypeArray, Items: genSchema(t, depth+1)}
	case 5: // node without a type marker
		return &types.JSONSchema{Description: "untyped"}
	default: // object
		obj := types.NewObjectSchema()
		n := rapid.IntRange(0, 3).Draw(t, "props")
		for i := 0; i < n; i++ {
			name := rapid.SampledFrom([]string{"alpha", "beta", "gamma", "delta"}).Draw(t, "name")
			obj.AddProperty(name, genSchema(t, depth+1))
		}
		return obj
	}
}

// walkJSON applies fn to every JSON object node in the decoded output.
func walkJSON(node any, fn func(map[string]any)) {
	switch v := node.(type) {
	case map[string]any:
		fn(v)
		for _, child := range v {
			walkJSON(child, fn)
		}
	case []any:
		for _, child := range v {
			walkJSON(child, fn)
		}
	}
}

func TestCompileStrictObjectProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spec := types.ToolSpec{ID: "probe", Parameters: genSchema(t, 0)}

		compiled, err := Compile(spec, types.FamilyStrictObject)
		require.NoError(t, err)

		var decoded any
		require.NoError(t, json.Unmarshal(compiled.Parameters, &decoded))

		// Every object node carries additionalProperties:false and a
		// required list equal to its property keys.
		walkJSON(decoded, func(m map[string]any) {
			if m["type"] != "object" {
				return
			}
			require.Equal(t, false, m["additionalProperties"])

			var keys []string
			if props, ok := m["properties"].(map[string]any); ok {
				for k := range props {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			var required []string
			if raw, ok := m["required"].([]any); ok {
				for _, r := range raw {
					required = append(required, r.(string))
				}
			}
			require.Equal(t, keys, required)
		})
	})
}

func TestCompileNoUnionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spec := types.ToolSpec{ID: "probe", Parameters: genSchema(t, 0)}

		compiled, err := Compile(spec, types.FamilyNoUnion)
		require.NoError(t, err)

		var decoded any
		require.NoError(t, json.Unmarshal(compiled.Parameters, &decoded))

		// No raw union or reference construct survives compilation.
		walkJSON(decoded, func(m map[string]any) {
			_, hasAnyOf := m["anyOf"]
			_, hasOneOf := m["oneOf"]
			_, hasRef := m["$ref"]
			require.False(t, hasAnyOf, "anyOf must be flattened")
			require.False(t, hasOneOf, "oneOf must be flattened")
			require.False(t, hasRef, "$ref must be dropped")
			if ty, ok := m["type"]; ok {
				_, isArray := ty.([]any)
				require.False(t, isArray, "type unions must be flattened")
			}
		})
	})
}

func TestCompileSelfReferenceDropped(t *testing.T) {
	node := types.NewObjectSchema()
	node.AddProperty("child", node) // pointer cycle

	spec := types.ToolSpec{ID: "recursive", Parameters: node}

	compiled, err := Compile(spec, types.FamilyNoUnion)
	require.NoError(t, err)
	assert.NotContains(t, string(compiled.Parameters), "$ref")

	// The unrestricted family passes schemas through and must reject a
	// cycle instead of looping forever in marshal.
	_, err = Compile(spec, types.FamilyUnrestricted)
	require.Error(t, err)
	assert.Equal(t, types.ErrSchemaCompilation, types.GetErrorCode(err))
}

func TestCompileAutoWrapsFlatFields(t *testing.T) {
	spec := types.ToolSpec{
		ID: "search",
		Fields: []types.ToolField{
			{Name: "query", Type: types.SchemaTypeString, Required: true},
			{Name: "limit", Type: types.SchemaTypeInteger},
		},
	}

	compiled, err := Compile(spec, types.FamilyStrictObject)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(compiled.Parameters, &decoded))
	assert.Equal(t, "object", decoded["type"])
	props := decoded["properties"].(map[string]any)
	assert.Len(t, props, 2)
	assert.Equal(t, false, decoded["additionalProperties"])
}

func TestCompileEmptyID(t *testing.T) {
	_, err := Compile(types.ToolSpec{}, types.FamilyStrictObject)
	require.Error(t, err)
	assert.Equal(t, types.ErrSchemaCompilation, types.GetErrorCode(err))
}

func TestCompileAllExcludesMalformedTool(t *testing.T) {
	cyclic := types.NewObjectSchema()
	cyclic.AddProperty("self", cyclic)

	specs := []types.ToolSpec{
		{ID: "good", Fields: []types.ToolField{{Name: "x", Type: types.SchemaTypeString}}},
		{ID: "bad", Parameters: cyclic},
		{ID: "also-good"},
	}

	// The malformed tool is excluded; the turn carries on with the rest.
	out := CompileAll(specs, types.FamilyUnrestricted, zap.NewNop())
	require.Len(t, out, 2)
	assert.Equal(t, "good", out[0].Name)
	assert.Equal(t, "also-good", out[1].Name)
}
