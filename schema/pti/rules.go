// Package pti checks TransXChange documents against the PTI profile rules.
package pti

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"strings"

	"github.com/alecthomas/jsonschema"
	"github.com/antchfx/xpath"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed rules.json
var defaultRules []byte

type Header struct {
	Namespaces       map[string]string `json:"namespaces" jsonschema:"required"`
	Version          string            `json:"version" jsonschema:"required"`
	Notes            string            `json:"notes"`
	GuidanceDocument string            `json:"guidance_document"`
}

// Rule is either an XPath test evaluated against the context node or the name
// of a registered Go check. A rule passes when its test is truthy.
type Rule struct {
	Test  string `json:"test,omitempty"`
	Check string `json:"check,omitempty"`
}

type Observation struct {
	Number      int    `json:"number" jsonschema:"required,minimum=1"`
	Details     string `json:"details" jsonschema:"required"`
	Category    string `json:"category" jsonschema:"required"`
	ServiceType string `json:"service_type"`
	Reference   string `json:"reference" jsonschema:"required"`
	Context     string `json:"context" jsonschema:"required"`
	Rules       []Rule `json:"rules" jsonschema:"required,minItems=1"`

	context *xpath.Expr
	tests   []*xpath.Expr
}

type RuleDocument struct {
	Header       Header         `json:"header" jsonschema:"required"`
	Observations []*Observation `json:"observations" jsonschema:"required"`
}

// RuleSchemaLoader reflects the JSON schema of a rule document.
func RuleSchemaLoader() *gojsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := reflector.Reflect(&RuleDocument{})
	data, _ := s.MarshalJSON()
	schemaLoader := gojsonschema.NewStringLoader(string(data))
	schema, _ := gojsonschema.NewSchema(schemaLoader)
	return schema
}

// DefaultRules returns the rule set shipped with the binary.
func DefaultRules() (*RuleDocument, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads, validates and compiles a rule document.
func LoadRules(r io.Reader) (*RuleDocument, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*RuleDocument, error) {
	result, err := RuleSchemaLoader().Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, err
	}
	if !result.Valid() {
		reasons := make([]string, 0)
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return nil, errors.New(strings.Join(reasons, "\n"))
	}

	doc := &RuleDocument{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if err := doc.compile(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *RuleDocument) compile() error {
	for _, o := range d.Observations {
		ctx, err := xpath.CompileWithNS(o.Context, d.Header.Namespaces)
		if err != nil {
			return fmt.Errorf("observation %d: bad context %q: %w", o.Number, o.Context, err)
		}
		o.context = ctx
		o.tests = make([]*xpath.Expr, len(o.Rules))
		for i, rule := range o.Rules {
			switch {
			case rule.Test != "" && rule.Check != "":
				return fmt.Errorf("observation %d: rule %d sets both test and check", o.Number, i)
			case rule.Test != "":
				expr, err := xpath.CompileWithNS(rule.Test, d.Header.Namespaces)
				if err != nil {
					return fmt.Errorf("observation %d: bad test %q: %w", o.Number, rule.Test, err)
				}
				o.tests[i] = expr
			case rule.Check != "":
				if _, ok := checks[rule.Check]; !ok {
					return fmt.Errorf("observation %d: unknown check %q", o.Number, rule.Check)
				}
			default:
				return fmt.Errorf("observation %d: rule %d is empty", o.Number, i)
			}
		}
	}
	return nil
}
