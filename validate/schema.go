package validate

// schemaURL names the in-memory schema resource. Both entry points are
// compiled from it: the document itself and its "ops" definition.
const schemaURL = "delta.schema.json"

const deltaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Rich-text delta",
  "type": "object",
  "required": ["ops"],
  "properties": {
    "ops": { "$ref": "#/$defs/ops" }
  },
  "additionalProperties": false,
  "$defs": {
    "ops": {
      "type": "array",
      "items": { "$ref": "#/$defs/op" }
    },
    "op": {
      "type": "object",
      "required": ["insert"],
      "properties": {
        "insert": {
          "oneOf": [
            { "type": "string" },
            { "type": "object", "minProperties": 1, "maxProperties": 1 }
          ]
        },
        "attributes": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`
