package compiler

import (
	"encoding/json"

	"github.com/gofhir/fhir/r4"
)

// decodeTypedConstant re-decodes a value* constant payload through its typed
// r4 datatype for the complex constant kinds a ViewDefinition can declare,
// converting it to the same plain-map shape the FHIRPath adapter expects for
// every other value, per loader.R4Converter's codingToMap/codeableConceptToMap/
// identifierToMap. Scalar kinds (string, boolean, integer, decimal, date,
// ...) are left as whatever encoding/json already produced.
func decodeTypedConstant(typeSuffix string, raw json.RawMessage, fallback any) any {
	switch typeSuffix {
	case "coding":
		var c r4.Coding
		if err := json.Unmarshal(raw, &c); err != nil {
			return fallback
		}
		return codingToMap(&c)
	case "codeableconcept":
		var cc r4.CodeableConcept
		if err := json.Unmarshal(raw, &cc); err != nil {
			return fallback
		}
		return codeableConceptToMap(&cc)
	case "identifier":
		var id r4.Identifier
		if err := json.Unmarshal(raw, &id); err != nil {
			return fallback
		}
		return identifierToMap(&id)
	default:
		return fallback
	}
}

func codingToMap(coding *r4.Coding) map[string]any {
	if coding == nil {
		return nil
	}
	result := make(map[string]any)
	if coding.System != nil {
		result["system"] = *coding.System
	}
	if coding.Version != nil {
		result["version"] = *coding.Version
	}
	if coding.Code != nil {
		result["code"] = *coding.Code
	}
	if coding.Display != nil {
		result["display"] = *coding.Display
	}
	return result
}

func codeableConceptToMap(cc *r4.CodeableConcept) map[string]any {
	if cc == nil {
		return nil
	}
	result := make(map[string]any)
	if len(cc.Coding) > 0 {
		codings := make([]any, 0, len(cc.Coding))
		for i := range cc.Coding {
			codings = append(codings, codingToMap(&cc.Coding[i]))
		}
		result["coding"] = codings
	}
	if cc.Text != nil {
		result["text"] = *cc.Text
	}
	return result
}

func identifierToMap(id *r4.Identifier) map[string]any {
	if id == nil {
		return nil
	}
	result := make(map[string]any)
	if id.System != nil {
		result["system"] = *id.System
	}
	if id.Value != nil {
		result["value"] = *id.Value
	}
	if id.Use != nil {
		result["use"] = string(*id.Use)
	}
	return result
}
