// Package apisupport parses the YAML files that describe which vendor APIs
// the code generator should emit parser/worker stubs for, and how their
// parameters map to resources. The runtime consumes them for diagnostics and
// validation; the generator itself lives outside this repository.
package apisupport

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ResourceTag names a resource kind in a support file entry.
type ResourceTag string

const (
	TagMemory   ResourceTag = "cuda_memory"
	TagStream   ResourceTag = "cuda_stream"
	TagEvent    ResourceTag = "cuda_event"
	TagModule   ResourceTag = "cuda_module"
	TagFunction ResourceTag = "cuda_function"
)

// APIType classifies an entry by its resource effect.
type APIType string

const (
	TypeCreateResource APIType = "create_resource"
	TypeDeleteResource APIType = "delete_resource"
	TypeGetResource    APIType = "get_resource"
	TypeSetResource    APIType = "set_resource"
)

// Resource binds one parameter index to a resource kind.
type Resource struct {
	Index uint16      `yaml:"index"`
	Type  ResourceTag `yaml:"type"`
}

// API describes one supported vendor entry point.
type API struct {
	Name      string  `yaml:"name"`
	Customize bool    `yaml:"customize"`
	Type      APIType `yaml:"type"`

	CreateResources []Resource `yaml:"create_resources"`
	DeleteResources []Resource `yaml:"delete_resources"`
	GetResources    []Resource `yaml:"get_resources"`
	SetResources    []Resource `yaml:"set_resources"`
}

// HeaderFile is one support file: the APIs of one vendor header.
type HeaderFile struct {
	HeaderFileName   string   `yaml:"header_file_name"`
	DependentHeaders []string `yaml:"dependent_headers"`
	APIs             []API    `yaml:"apis"`
}

// Load reads and validates one support file.
func Load(path string) (*HeaderFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hf HeaderFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("support file %s: %w", path, err)
	}
	if hf.HeaderFileName == "" {
		return nil, fmt.Errorf("support file %s: header_file_name is required", path)
	}
	for i := range hf.APIs {
		if err := hf.APIs[i].validate(); err != nil {
			return nil, fmt.Errorf("support file %s: %w", path, err)
		}
	}
	return &hf, nil
}

func (a *API) validate() error {
	if a.Name == "" {
		return fmt.Errorf("api entry without a name")
	}
	switch a.Type {
	case TypeCreateResource, TypeDeleteResource, TypeGetResource, TypeSetResource:
	default:
		return fmt.Errorf("api %s: invalid type %q", a.Name, a.Type)
	}
	for _, list := range [][]Resource{a.CreateResources, a.DeleteResources, a.GetResources, a.SetResources} {
		for _, res := range list {
			switch res.Type {
			case TagMemory, TagStream, TagEvent, TagModule, TagFunction:
			default:
				return fmt.Errorf("api %s: invalid resource type %q", a.Name, res.Type)
			}
		}
	}
	return nil
}
