package envelope

import (
	"github.com/xeipuuv/gojsonschema"
)

// updateSchema is the structural gate applied to raw webhook bodies before
// any field extraction. It rejects bodies that are not Telegram updates at
// all; semantic rules live in CoreEnvelope.Validate.
const updateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["update_id"],
  "properties": {
    "update_id": {"type": "integer"},
    "message": {"$ref": "#/definitions/message"},
    "edited_message": {"$ref": "#/definitions/message"}
  },
  "definitions": {
    "message": {
      "type": "object",
      "required": ["message_id", "chat"],
      "properties": {
        "message_id": {"type": "integer"},
        "date": {"type": "integer"},
        "chat": {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"type": "integer"},
            "type": {"type": "string"}
          }
        },
        "text": {"type": "string"},
        "caption": {"type": "string"}
      }
    }
  }
}`

var compiledUpdateSchema = gojsonschema.NewStringLoader(updateSchema)

// ValidateUpdateDocument checks a raw webhook body against the update schema.
// Violations map onto the 422 response path.
func ValidateUpdateDocument(raw []byte) error {
	result, err := gojsonschema.Validate(compiledUpdateSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return newValidationError("update", "schema check failed: "+err.Error())
	}

	if !result.Valid() {
		detail := "invalid update document"
		if errs := result.Errors(); len(errs) > 0 {
			detail = errs[0].String()
		}

		return newValidationError("update", detail)
	}

	return nil
}
