package txc

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// NewDecoder returns an XML decoder that understands any encoding declared in
// the prologue that IANA names, such as ISO-8859-1 or windows-1252.
func NewDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	d.CharsetReader = charsetReader
	return d
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	if strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return input, nil
	}
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported xml encoding %q: %w", label, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported xml encoding %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}
