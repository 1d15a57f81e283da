// Package patterns provides the embedded built-in detection rule definitions.
// The YAML file declares one rule per category with an explicit priority; the
// registry in internal/pii compiles and orders them at startup.
package patterns

import _ "embed"

//go:embed builtin.yaml
var builtinYAML []byte

// BuiltinYAML returns the embedded built-in detection rule definitions.
func BuiltinYAML() []byte { return builtinYAML }
