package validate

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/survey"
)

// Matrix answers arrive as untyped jsonValue objects. Each matrix kind
// gets a tight JSON Schema so malformed payloads are rejected at submit
// time instead of surfacing during export:
//
//   - MATRIX_SINGLE:   {item: scale}
//   - MATRIX_MULTIPLE: {item: [scale, ...]}
//   - BIPOLAR_MATRIX:  {item: number}
const (
	matrixSingleSchema = `{
		"type": "object",
		"minProperties": 1,
		"additionalProperties": {"type": "string", "minLength": 1}
	}`
	matrixMultipleSchema = `{
		"type": "object",
		"minProperties": 1,
		"additionalProperties": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	}`
	bipolarMatrixSchema = `{
		"type": "object",
		"minProperties": 1,
		"additionalProperties": {"type": "number"}
	}`
)

var matrixSchemas = map[survey.QuestionType]*jsonschema.Schema{
	survey.TypeMatrixSingle:   mustCompile("matrix_single.json", matrixSingleSchema),
	survey.TypeMatrixMultiple: mustCompile("matrix_multiple.json", matrixMultipleSchema),
	survey.TypeBipolarMatrix:  mustCompile("bipolar_matrix.json", bipolarMatrixSchema),
}

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		panic(fmt.Sprintf("validate: bad matrix schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("validate: add matrix schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("validate: compile matrix schema %s: %v", name, err))
	}
	return sch
}

func matrix(q survey.Question, v answer.Value) []Violation {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(v.JSON))
	if err != nil {
		return vio(q, CodeInvalidMatrix, "The matrix payload is malformed.")
	}
	sch := matrixSchemas[q.Type]
	if err := sch.Validate(doc); err != nil {
		return vio(q, CodeInvalidMatrix, "The matrix payload does not match the expected shape.")
	}
	return nil
}
