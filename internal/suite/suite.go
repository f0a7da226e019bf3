// Package suite decodes HCL suite files listing the clients of a benchmark run.
//
// A suite file looks like:
//
//	numlocales = 4
//
//	client "argsort" {
//	  path = "./benchmarks/argsort.py"
//	  args = ["--trials", "3", "--dat", "${env.HOME}/bench/argsort.dat"]
//	}
//
// Expressions may reference the process environment through the env object.
package suite

import (
	"fmt"
	"os"
	"strings"

	"github.com/benchrun/benchrun/internal/client"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// Suite is a decoded suite file.
type Suite struct {
	Path string
	// NumLocales is nil when the file does not set numlocales.
	NumLocales *int
	Clients    []client.Spec
}

type suiteFile struct {
	NumLocales *int          `hcl:"numlocales,optional"`
	Clients    []clientBlock `hcl:"client,block"`
}

type clientBlock struct {
	Name string   `hcl:"name,label"`
	Path string   `hcl:"path"`
	Args []string `hcl:"args,optional"`
}

// LoadFile parses the suite at path. A nil env uses the process environment.
func LoadFile(path string, env map[string]string) (*Suite, error) {
	// #nosec G304 -- the suite path is supplied by the operator.
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite file %s: %w", path, err)
	}
	if env == nil {
		env = Environ()
	}
	return Parse(src, path, env)
}

// Parse decodes suite source. filename is used in diagnostics.
func Parse(src []byte, filename string, env map[string]string) (*Suite, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse suite file %s: %s", filename, diags.Error())
	}

	var decoded suiteFile
	diags = gohcl.DecodeBody(file.Body, evalContext(env), &decoded)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode suite file %s: %s", filename, diags.Error())
	}

	if decoded.NumLocales != nil && *decoded.NumLocales < 1 {
		return nil, fmt.Errorf("suite file %s: numlocales must be positive, got %d", filename, *decoded.NumLocales)
	}

	suite := &Suite{
		Path:       filename,
		NumLocales: decoded.NumLocales,
		Clients:    make([]client.Spec, 0, len(decoded.Clients)),
	}
	seen := make(map[string]struct{}, len(decoded.Clients))
	for _, block := range decoded.Clients {
		name := strings.TrimSpace(block.Name)
		if name == "" {
			return nil, fmt.Errorf("suite file %s: client name must not be empty", filename)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("suite file %s: duplicate client %q", filename, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(block.Path) == "" {
			return nil, fmt.Errorf("suite file %s: client %q has an empty path", filename, name)
		}
		suite.Clients = append(suite.Clients, client.Spec{
			Name: name,
			Path: block.Path,
			Args: append([]string(nil), block.Args...),
		})
	}
	return suite, nil
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

func evalContext(env map[string]string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(env))
	for key, value := range env {
		if !hclsyntax.ValidIdentifier(key) {
			continue
		}
		vars[key] = cty.StringVal(value)
	}
	envVal := cty.EmptyObjectVal
	if len(vars) > 0 {
		envVal = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": envVal},
	}
}
