package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// StarterYAML renders the defaults as a nested YAML document for
// `insight init`. Overrides are applied on top as flat koanf keys.
func StarterYAML(overrides map[string]any) ([]byte, error) {
	flat := Defaults()
	for k, v := range overrides {
		flat[k] = v
	}

	root := make(map[string]any)
	for key, value := range flat {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	out, err := yaml.Marshal(root)
	if err != nil {
		return nil, eris.Wrap(err, "config: render starter")
	}
	return out, nil
}
