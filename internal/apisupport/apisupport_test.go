package apisupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSupport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cuda_runtime_api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSupportFile(t *testing.T) {
	path := writeSupport(t, `
header_file_name: cuda_runtime_api.h
dependent_headers:
  - cuda.h
  - cuda_runtime_api.h
apis:
  - name: cudaMalloc
    customize: false
    type: create_resource
    create_resources:
      - index: 0
        type: cuda_memory
  - name: cudaLaunchKernel
    customize: true
    type: set_resource
    get_resources:
      - index: 0
        type: cuda_function
      - index: 5
        type: cuda_stream
    set_resources:
      - index: 1
        type: cuda_memory
  - name: cuModuleLoad
    customize: false
    type: create_resource
    create_resources:
      - index: 0
        type: cuda_module
  - name: cuModuleGetFunction
    customize: false
    type: create_resource
    create_resources:
      - index: 0
        type: cuda_function
`)
	hf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cuda_runtime_api.h", hf.HeaderFileName)
	assert.Equal(t, []string{"cuda.h", "cuda_runtime_api.h"}, hf.DependentHeaders)
	require.Len(t, hf.APIs, 4)

	malloc := hf.APIs[0]
	assert.Equal(t, "cudaMalloc", malloc.Name)
	assert.False(t, malloc.Customize)
	assert.Equal(t, TypeCreateResource, malloc.Type)
	require.Len(t, malloc.CreateResources, 1)
	assert.Equal(t, uint16(0), malloc.CreateResources[0].Index)
	assert.Equal(t, TagMemory, malloc.CreateResources[0].Type)

	launch := hf.APIs[1]
	assert.True(t, launch.Customize)
	assert.Equal(t, TagFunction, launch.GetResources[0].Type)
	assert.Equal(t, TagStream, launch.GetResources[1].Type)

	// module and function tags are distinct resource kinds
	assert.Equal(t, TagModule, hf.APIs[2].CreateResources[0].Type)
	assert.Equal(t, TagFunction, hf.APIs[3].CreateResources[0].Type)
}

func TestLoadSupportFileErrors(t *testing.T) {
	t.Run("missing header name", func(t *testing.T) {
		path := writeSupport(t, `apis: []`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad api type", func(t *testing.T) {
		path := writeSupport(t, `
header_file_name: h.h
apis:
  - name: cudaFoo
    customize: false
    type: mutate_resource
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad resource tag", func(t *testing.T) {
		path := writeSupport(t, `
header_file_name: h.h
apis:
  - name: cudaFoo
    customize: false
    type: get_resource
    get_resources:
      - index: 0
        type: cuda_texture
`)
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("unnamed api", func(t *testing.T) {
		path := writeSupport(t, `
header_file_name: h.h
apis:
  - customize: false
    type: get_resource
`)
		_, err := Load(path)
		assert.Error(t, err)
	})
}
