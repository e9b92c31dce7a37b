package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
)

const spawnSchema = `{
  "type": "object",
  "properties": {
    "owner_id": {"type": ["string", "null"], "minLength": 1, "maxLength": 128},
    "challenge_key": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$"}
  },
  "required": ["challenge_key"],
  "additionalProperties": false
}`

const destroySchema = `{
  "type": "object",
  "properties": {
    "instance_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "owner_id": {"type": ["string", "null"], "minLength": 1, "maxLength": 128}
  },
  "required": ["instance_id"],
  "additionalProperties": false
}`

// requestValidator checks request bodies against compiled JSON schemas
type requestValidator struct {
	spawn   *gojsonschema.Schema
	destroy *gojsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	spawn, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(spawnSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile spawn schema: %w", err)
	}
	destroy, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(destroySchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile destroy schema: %w", err)
	}
	return &requestValidator{spawn: spawn, destroy: destroy}, nil
}

// decode reads the body, validates it against schema and unmarshals it
// into target
func decode(r *http.Request, maxBytes int64, schema *gojsonschema.Schema, target interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return common.WrapSandboxError(common.ErrCodeInvalidRequest, "failed to read request body", err)
	}
	if int64(len(body)) > maxBytes {
		return common.NewSandboxError(common.ErrCodeInvalidRequest, "request body too large", "")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return common.NewSandboxError(common.ErrCodeInvalidRequest, "request body is required", "")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return common.WrapSandboxError(common.ErrCodeInvalidRequest, "request body is not valid JSON", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return common.NewSandboxError(common.ErrCodeInvalidRequest,
			"invalid request: "+strings.Join(problems, "; "), "")
	}

	if err := json.Unmarshal(body, target); err != nil {
		return common.WrapSandboxError(common.ErrCodeInvalidRequest, "request body is not valid JSON", err)
	}
	return nil
}
