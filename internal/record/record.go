// Package record implements the "YAML preamble + body" file shape
// shared by Issues and Mailbox messages: split on
// the "---" fences, decode the front matter into both a typed struct
// and a yaml.Node tree, and keep any keys the typed struct does not
// know about in an Extras map so they survive a read/write round trip
// untouched. Unknown-key passthrough is a hard requirement for forward
// compatibility across daemon versions sharing one project tree.
package record

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preamble is a YAML front-matter block plus a Markdown/text body, as
// read off disk. Split does not interpret the front matter; callers
// decode Front into their own typed struct.
type Preamble struct {
	Front []byte
	Body  string
}

const fence = "---"

// Split separates a file's YAML front matter from its body. The file
// must begin with a "---" line, followed by YAML, followed by a second
// "---" line; everything after the second fence is the body verbatim
// (including its leading newline, stripped once).
func Split(data []byte) (Preamble, error) {
	text := string(data)
	if !strings.HasPrefix(strings.TrimLeft(text, "\r\n"), fence) {
		return Preamble{}, fmt.Errorf("record: missing opening %q fence", fence)
	}
	text = strings.TrimLeft(text, "\r\n")
	text = strings.TrimPrefix(text, fence)
	text = strings.TrimPrefix(text, "\n")
	idx := indexFence(text)
	if idx < 0 {
		return Preamble{}, fmt.Errorf("record: missing closing %q fence", fence)
	}
	front := text[:idx]
	rest := text[idx+len(fence):]
	rest = strings.TrimPrefix(rest, "\n")
	return Preamble{Front: []byte(front), Body: rest}, nil
}

// indexFence finds a "---" that begins its own line.
func indexFence(text string) int {
	lines := strings.Split(text, "\n")
	offset := 0
	for _, line := range lines {
		if strings.TrimRight(line, "\r") == fence {
			return offset
		}
		offset += len(line) + 1
	}
	return -1
}

// Join reassembles a front-matter document plus body into file bytes.
func Join(front []byte, body string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fence)
	buf.WriteByte('\n')
	buf.Write(bytes.TrimRight(front, "\n"))
	buf.WriteByte('\n')
	buf.WriteString(fence)
	buf.WriteByte('\n')
	buf.WriteString(body)
	return buf.Bytes()
}

// DecodeExtras decodes front matter into dst (a pointer to a struct with
// yaml tags) and additionally returns every top-level mapping key not
// consumed by dst's tags, so callers can preserve forward-compatible
// unknown fields. The returned map does not keep the keys' order.
func DecodeExtras(front []byte, dst any) (map[string]yaml.Node, error) {
	if err := yaml.Unmarshal(front, dst); err != nil {
		return nil, fmt.Errorf("record: decode front matter: %w", err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(front, &node); err != nil {
		return nil, fmt.Errorf("record: decode front matter node: %w", err)
	}
	known := knownYAMLKeys(dst)
	extras := make(map[string]yaml.Node)
	if len(node.Content) == 0 {
		return extras, nil
	}
	mapping := node.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return extras, nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		if known[key] {
			continue
		}
		extras[key] = *mapping.Content[i+1]
	}
	return extras, nil
}

// EncodeExtras marshals dst (the typed struct) to YAML and merges in any
// keys from extras that dst did not already emit, preserving values the
// typed struct doesn't know about.
func EncodeExtras(dst any, extras map[string]yaml.Node) ([]byte, error) {
	var node yaml.Node
	buf, err := yaml.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("record: encode front matter: %w", err)
	}
	if len(extras) == 0 {
		return buf, nil
	}
	if err := yaml.Unmarshal(buf, &node); err != nil {
		return nil, fmt.Errorf("record: re-decode front matter: %w", err)
	}
	mapping := node.Content[0]
	for key, val := range extras {
		v := val
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		mapping.Content = append(mapping.Content, keyNode, &v)
	}
	out, err := yaml.Marshal(&node)
	if err != nil {
		return nil, fmt.Errorf("record: encode merged front matter: %w", err)
	}
	return out, nil
}

// knownYAMLKeys reflects a struct pointer's `yaml:"name"` tags into a
// membership set, stripping ",omitempty" and similar flags.
func knownYAMLKeys(dst any) map[string]bool {
	known := make(map[string]bool)
	t := reflect.TypeOf(dst)
	if t == nil {
		return known
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return known
	}
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name == "" {
			name = strings.ToLower(t.Field(i).Name)
		}
		known[name] = true
	}
	return known
}
