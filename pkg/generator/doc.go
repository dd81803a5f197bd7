// Package generator produces the desired state of a namespace: its
// applications, its runtime files and auxiliary configuration.
//
// StackFile reads a YAML stack file. ${NAME} and ${NAME:-default} are
// expanded from the params section of the file, the namespace definition
// params and NAMESPACE; $${NAME} yields a literal ${NAME}.
package generator
