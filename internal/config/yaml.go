// Package config provides bounded YAML decoding for runtime configuration.
// Limits on input size, nesting depth, and node count keep a hostile or
// corrupted config file from exhausting memory during parsing.
package config

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Limits bounds the YAML documents the decoder accepts.
type Limits struct {
	// MaxSize is the maximum input size in bytes.
	MaxSize int64
	// MaxDepth is the maximum nesting depth.
	MaxDepth int
	// MaxNodes is the maximum total node count.
	MaxNodes int
	// MaxKeyLength is the maximum mapping key length in bytes.
	MaxKeyLength int
	// MaxValueSize is the maximum scalar value size in bytes.
	MaxValueSize int64
}

// DefaultLimits are generous enough for any reasonable config file.
func DefaultLimits() Limits {
	return Limits{
		MaxSize:      10 * 1024 * 1024,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
		MaxValueSize: 1024 * 1024,
	}
}

// Decode unmarshals YAML data into v after validating the document against
// the limits.
func Decode(data []byte, v any, limits Limits) error {
	if int64(len(data)) > limits.MaxSize {
		return fmt.Errorf("yaml input %d bytes exceeds limit %d", len(data), limits.MaxSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	w := &walker{limits: limits}
	if err := w.check(&root, 0); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

// DecodeReader reads at most the size limit from r and decodes it.
func DecodeReader(r io.Reader, v any, limits Limits) error {
	lr := io.LimitedReader{R: r, N: limits.MaxSize + 1}
	data, err := io.ReadAll(&lr)
	if err != nil {
		return fmt.Errorf("read yaml: %w", err)
	}
	if int64(len(data)) > limits.MaxSize {
		return fmt.Errorf("yaml input exceeds limit %d bytes", limits.MaxSize)
	}
	return Decode(data, v, limits)
}

type walker struct {
	limits Limits
	nodes  int
}

func (w *walker) check(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml nesting depth %d exceeds limit %d", depth, w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("yaml node count exceeds limit %d", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.check(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("malformed yaml mapping")
		}
		for i := 0; i < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml key length %d exceeds limit %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.check(key, depth+1); err != nil {
				return err
			}
			if err := w.check(value, depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.check(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("yaml value size %d exceeds limit %d", len(node.Value), w.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		if node.Alias != nil {
			if err := w.check(node.Alias, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
