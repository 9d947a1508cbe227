package job

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Template placeholders replaced in every string value of a workflow graph.
const (
	PlaceholderPrompt         = "{{prompt}}"
	PlaceholderNegativePrompt = "{{negative_prompt}}"
	PlaceholderImage          = "{{image}}"
	PlaceholderPrefix         = "{{prefix}}"
)

var placeholderPattern = regexp.MustCompile(`\{\{[a-z_]+\}\}`)

// Graph is an API-format workflow: node id to node object.
type Graph map[string]any

// LoadGraph reads an API-format workflow JSON file.
func LoadGraph(path string) (Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var graph Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("template %s has no nodes", path)
	}
	return graph, nil
}

// Placeholders returns the distinct placeholders referenced by the graph.
func (g Graph) Placeholders() []string {
	found := map[string]struct{}{}
	walkStrings(map[string]any(g), func(s string) string {
		for _, match := range placeholderPattern.FindAllString(s, -1) {
			found[match] = struct{}{}
		}
		return s
	})
	out := make([]string, 0, len(found))
	for key := range found {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Inject returns a deep copy of the graph with placeholders replaced.
func (g Graph) Inject(values map[string]string) Graph {
	replacer := make([]string, 0, len(values)*2)
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		replacer = append(replacer, key, values[key])
	}
	r := strings.NewReplacer(replacer...)
	copied := deepCopy(map[string]any(g)).(map[string]any)
	walkStrings(copied, r.Replace)
	return Graph(copied)
}

// Validate checks that every node has a class_type and that every
// [nodeId, outputIndex] input link points at an existing node.
func (g Graph) Validate() error {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node, ok := g[id].(map[string]any)
		if !ok {
			return fmt.Errorf("node %s is not an object", id)
		}
		if class, _ := node["class_type"].(string); strings.TrimSpace(class) == "" {
			return fmt.Errorf("node %s has no class_type", id)
		}
		inputs, _ := node["inputs"].(map[string]any)
		for name, value := range inputs {
			link, ok := value.([]any)
			if !ok || len(link) != 2 {
				continue
			}
			target, isString := link[0].(string)
			if _, isIndex := link[1].(float64); !isString || !isIndex {
				continue
			}
			if _, exists := g[target]; !exists {
				return fmt.Errorf("node %s input %q links to missing node %s", id, name, target)
			}
		}
	}
	return nil
}

func walkStrings(value any, fn func(string) string) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			typed[key] = walkStrings(child, fn)
		}
		return typed
	case []any:
		for i, child := range typed {
			typed[i] = walkStrings(child, fn)
		}
		return typed
	case string:
		return fn(typed)
	default:
		return value
	}
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			out[key] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return value
	}
}
