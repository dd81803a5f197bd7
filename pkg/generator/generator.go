package generator

import (
	"github.com/cuemby/hutch/pkg/types"
)

// Generator turns a namespace definition into the desired applications and
// runtime files of the namespace
type Generator interface {
	Generate(def types.NamespaceDefinition) (*types.Generation, error)
}

// Func adapts a function to the Generator interface
type Func func(def types.NamespaceDefinition) (*types.Generation, error)

// Generate implements Generator
func (f Func) Generate(def types.NamespaceDefinition) (*types.Generation, error) {
	return f(def)
}
