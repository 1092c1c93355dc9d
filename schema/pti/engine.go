package pti

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/txc"
)

// RegionLookup answers whether a service runs in Scotland.
type RegionLookup interface {
	IsScottish(ctx context.Context, serviceRef string, stopRefs []string) (bool, error)
}

// Violation is one failed observation at one context node.
type Violation struct {
	Filename    string
	Line        int
	Name        string
	Observation *Observation
}

type Validator struct {
	rules  *RuleDocument
	region RegionLookup
}

func NewValidator(rules *RuleDocument, region RegionLookup) *Validator {
	return &Validator{rules: rules, region: region}
}

// Validate evaluates every observation against the document. The context is
// checked between observations so a caller's deadline stops long runs.
func (v *Validator) Validate(ctx context.Context, filename string, r io.Reader) ([]Violation, error) {
	body, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	root, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", filename, err)
	}
	lines, err := elementLines(root, body)
	if err != nil {
		return nil, err
	}

	doc := &Document{root: root, ctx: ctx, region: v.region}
	out := make([]Violation, 0)
	for _, o := range v.rules.Observations {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for _, node := range xmlquery.QuerySelectorAll(root, o.context) {
			ok, err := v.evaluate(doc, o, node)
			if err != nil {
				return out, err
			}
			if !ok {
				out = append(out, Violation{
					Filename:    filename,
					Line:        lines[node],
					Name:        node.Data,
					Observation: o,
				})
			}
		}
	}
	log.WithFields(log.Fields{"filename": filename, "violations": len(out)}).Debug("pti validation complete")
	return out, nil
}

func (v *Validator) evaluate(doc *Document, o *Observation, node *xmlquery.Node) (bool, error) {
	for i, rule := range o.Rules {
		var (
			ok  bool
			err error
		)
		if expr := o.tests[i]; expr != nil {
			ok = truthy(expr.Evaluate(xmlquery.CreateXPathNavigator(node)))
		} else {
			ok, err = checks[rule.Check](doc, node)
		}
		if err != nil {
			return false, fmt.Errorf("observation %d: %w", o.Number, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func truthy(result interface{}) bool {
	switch r := result.(type) {
	case bool:
		return r
	case float64:
		return r != 0
	case string:
		return r != ""
	case *xpath.NodeIterator:
		return r.MoveNext()
	}
	return false
}

// elementLines maps every element of the parsed tree to the line its start
// tag begins on. Both parsers emit elements in document order.
func elementLines(root *xmlquery.Node, body []byte) (map[*xmlquery.Node]int, error) {
	starts := make([]int, 0)
	dec := txc.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if _, ok := tok.(xml.StartElement); ok {
			line, _ := dec.InputPos()
			starts = append(starts, line)
		}
	}

	lines := make(map[*xmlquery.Node]int, len(starts))
	i := 0
	var walk func(n *xmlquery.Node)
	walk = func(n *xmlquery.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == xmlquery.ElementNode {
				if i < len(starts) {
					lines[c] = starts[i]
				}
				i++
			}
			walk(c)
		}
	}
	walk(root)
	return lines, nil
}
