package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/extractflow/types"
)

const yamlSchema = `
name: person
description: extract a person
schema:
  type: object
  required: [name, age]
  properties:
    name:
      type: string
      minLength: 1
    age:
      type: integer
      minimum: 0
`

const jsonSchemaDoc = `{
  "name": "person",
  "description": "extract a person",
  "schema": {
    "type": "object",
    "required": ["name"],
    "properties": {
      "name": {"type": "string"}
    }
  }
}`

func TestLoad_YAML(t *testing.T) {
	s, err := Load([]byte(yamlSchema))
	require.NoError(t, err)

	assert.Equal(t, "person", s.Name)
	assert.Equal(t, "extract a person", s.Description)
	require.Equal(t, TypeObject, s.Root.Type)
	assert.True(t, s.Root.IsRequired("name"))
	assert.True(t, s.Root.IsRequired("age"))

	name := s.Root.GetProperty("name")
	require.NotNil(t, name)
	require.NotNil(t, name.MinLength)
	assert.Equal(t, 1, *name.MinLength)

	age := s.Root.GetProperty("age")
	require.NotNil(t, age)
	assert.Equal(t, TypeInteger, age.Type)
}

func TestLoad_JSON(t *testing.T) {
	s, err := Load([]byte(jsonSchemaDoc))
	require.NoError(t, err)
	assert.Equal(t, "person", s.Name)
	assert.True(t, s.Root.IsRequired("name"))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "no name", data: "schema:\n  type: object\n"},
		{name: "no schema", data: "name: person\n"},
		{name: "broken yaml", data: "name: [unclosed\n"},
		{name: "broken json", data: `{"name":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, types.ErrSchema, types.GetErrorCode(err))
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "person.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlSchema), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "person", s.Name)

	// loaded schemas adapt like hand-built ones
	_, err = Adapt(s, AdaptOptions{})
	assert.NoError(t, err)
}

func TestLoadFile_UnsupportedExtension(t *testing.T) {
	_, err := LoadFile("schema.toml")
	require.Error(t, err)
	assert.Equal(t, types.ErrSchema, types.GetErrorCode(err))
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
