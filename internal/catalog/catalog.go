// Package catalog holds the immutable registry of analytics event
// definitions. The catalog is compiled into the binary from catalog.yaml and
// never mutated at runtime; validation rules for new event types ship with a
// deploy.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Definition describes the validation rules for one named business event.
type Definition struct {
	Name                 string   `yaml:"name"`
	Domain               string   `yaml:"domain"`
	EntityType           string   `yaml:"entityType"`
	EntityIDKey          string   `yaml:"entityIdKey"`
	RequiredMetadataKeys []string `yaml:"requiredMetadataKeys"`
	TenantKey            string   `yaml:"tenantKey"`
	SchemaVersion        int      `yaml:"schemaVersion"`
}

// EntityIDMetadataKey returns the metadata key that supplies the entity id:
// the explicit entityIdKey when configured, else "{entityType}Id".
func (d Definition) EntityIDMetadataKey() string {
	if d.EntityIDKey != "" {
		return d.EntityIDKey
	}
	return d.EntityType + "Id"
}

type document struct {
	Events []Definition `yaml:"events"`
}

var (
	loadOnce    sync.Once
	definitions map[string]Definition
)

// load parses the embedded catalog document. A malformed catalog is a build
// defect, so parsing failures panic rather than returning an error.
func load() {
	var doc document
	if err := yaml.Unmarshal(catalogYAML, &doc); err != nil {
		panic(fmt.Sprintf("catalog: failed to parse embedded catalog: %v", err))
	}

	definitions = make(map[string]Definition, len(doc.Events))
	for _, def := range doc.Events {
		if def.Name == "" || def.Domain == "" || def.EntityType == "" {
			panic(fmt.Sprintf("catalog: incomplete definition %q", def.Name))
		}
		if _, exists := definitions[def.Name]; exists {
			panic(fmt.Sprintf("catalog: duplicate definition %q", def.Name))
		}
		if def.SchemaVersion == 0 {
			def.SchemaVersion = 1
		}
		definitions[def.Name] = def
	}
}

// DefinitionFor returns the definition registered under name, if any.
func DefinitionFor(name string) (Definition, bool) {
	loadOnce.Do(load)
	def, ok := definitions[name]
	return def, ok
}

// Names returns the sorted list of registered event names.
func Names() []string {
	loadOnce.Do(load)
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of registered event definitions.
func Size() int {
	loadOnce.Do(load)
	return len(definitions)
}
