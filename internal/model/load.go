package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed mapping.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	root   cue.Value
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("mapping.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	root = compiled
	schema = compiled.LookupPath(cue.ParsePath("#Mapping"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// ReadMapping opens and parses the mapping file at path.
func ReadMapping(path string) (Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("opening mapping: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	m, err := LoadMapping(path, f)
	if err != nil {
		return Mapping{}, fmt.Errorf("parsing mapping %s: %w", path, err)
	}
	return m, nil
}

// LoadMapping validates a JSON (or YAML) document against the CUE schema,
// applies schema defaults and decodes it.
func LoadMapping(filename string, r io.Reader) (Mapping, error) {
	file, err := yaml.Extract(filename, r)
	if err != nil {
		return Mapping{}, err
	}
	value := cueCtx.BuildFile(file)
	if value.Err() != nil {
		return Mapping{}, value.Err()
	}

	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Mapping{}, err
	}

	// Mapping keeps devices as raw objects, so decode through JSON rather
	// than cue.Value.Decode.
	b, err := unified.MarshalJSON()
	if err != nil {
		return Mapping{}, err
	}
	var out Mapping
	if err := json.Unmarshal(b, &out); err != nil {
		return Mapping{}, err
	}
	return out, nil
}
