package api

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	jss "github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	runSchema  = mustCompile("schemas/run.schema.json")
	killSchema = mustCompile("schemas/kill.schema.json")
)

func mustCompile(path string) *jss.Schema {
	b, err := schemaFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("reading embedded schema %s: %v", path, err))
	}
	schema, err := jss.NewCompiler().Compile(b)
	if err != nil {
		panic(fmt.Sprintf("compiling schema %s: %v", path, err))
	}
	return schema
}

// validate checks a JSON document against the schema.
func validate(schema *jss.Schema, b []byte) error {
	res := schema.Validate(b)
	if res.Valid {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
	}
	sort.Strings(msgs)
	return fmt.Errorf("invalid request body: %s", strings.Join(msgs, "; "))
}
