package xsd

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const miniTXC = `<?xml version="1.0" encoding="UTF-8"?>
<xsd:schema xmlns:xsd="http://www.w3.org/2001/XMLSchema"
  targetNamespace="http://www.transxchange.org.uk/"
  xmlns="http://www.transxchange.org.uk/"
  elementFormDefault="qualified">
  <xsd:include schemaLocation="common/types.xsd"/>
  <xsd:element name="TransXChange">
    <xsd:complexType>
      <xsd:sequence>
        <xsd:element name="ServiceCode" type="CodeType"/>
      </xsd:sequence>
      <xsd:attribute name="SchemaVersion" type="xsd:string" use="required"/>
    </xsd:complexType>
  </xsd:element>
</xsd:schema>`

const miniTypes = `<?xml version="1.0" encoding="UTF-8"?>
<xsd:schema xmlns:xsd="http://www.w3.org/2001/XMLSchema"
  targetNamespace="http://www.transxchange.org.uk/"
  xmlns="http://www.transxchange.org.uk/"
  elementFormDefault="qualified">
  <xsd:simpleType name="CodeType">
    <xsd:restriction base="xsd:string">
      <xsd:minLength value="1"/>
    </xsd:restriction>
  </xsd:simpleType>
</xsd:schema>`

func bundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCache_ValidatesAgainstBundle(t *testing.T) {
	calls := 0
	blob := bundle(t, map[string]string{
		"schema/TransXChange_general.xsd": miniTXC,
		"schema/common/types.xsd":         miniTypes,
	})
	cache := NewCache(func(category storage.SchemaCategory) ([]byte, error) {
		calls++
		return blob, nil
	})

	v, err := cache.Get(storage.SchemaCategoryTXC)
	require.NoError(t, err)

	valid := `<TransXChange xmlns="http://www.transxchange.org.uk/" SchemaVersion="2.4"><ServiceCode>UZ000FLIX:UKN603</ServiceCode></TransXChange>`
	violations, err := v.Validate(context.Background(), strings.NewReader(valid))
	require.NoError(t, err)
	assert.Empty(t, violations)

	invalid := `<TransXChange xmlns="http://www.transxchange.org.uk/"><ServiceCode></ServiceCode><Extra/></TransXChange>`
	violations, err = v.Validate(context.Background(), strings.NewReader(invalid))
	require.NoError(t, err)
	assert.NotEmpty(t, violations)
	for _, violation := range violations {
		assert.NotEmpty(t, violation.Details)
	}

	again, err := cache.Get(storage.SchemaCategoryTXC)
	require.NoError(t, err)
	assert.Same(t, v, again)
	assert.Equal(t, 1, calls)
}

func TestCache_MissingRoot(t *testing.T) {
	blob := bundle(t, map[string]string{"other.xsd": miniTypes})
	cache := NewCache(func(storage.SchemaCategory) ([]byte, error) { return blob, nil })

	_, err := cache.Get(storage.SchemaCategoryTXC)
	assert.EqualError(t, err, "TransXChange_general.xsd not found in schema bundle")
}

func TestCache_SourceError(t *testing.T) {
	notFound := &storage.NotFoundError{Code: storage.CodeSchemaNotFound, ID: storage.SchemaCategoryNeTEx}
	cache := NewCache(func(storage.SchemaCategory) ([]byte, error) { return nil, notFound })

	_, err := cache.Get(storage.SchemaCategoryNeTEx)
	assert.True(t, errors.Is(err, notFound))
}

type stubValidator struct{ name string }

func (*stubValidator) Validate(context.Context, io.Reader) ([]Violation, error) { return nil, nil }

func TestCache_PutKeepsFirst(t *testing.T) {
	cache := NewCache(func(storage.SchemaCategory) ([]byte, error) { return nil, errors.New("unused") })
	first := &stubValidator{name: "first"}
	cache.Put(storage.SchemaCategoryTXC, first)
	cache.Put(storage.SchemaCategoryTXC, &stubValidator{name: "second"})

	got, err := cache.Get(storage.SchemaCategoryTXC)
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestNewViolation(t *testing.T) {
	v := newViolation(" Element 'Extra', line 12: This element is not expected. ")
	assert.Equal(t, 12, v.Line)
	assert.Equal(t, "Element 'Extra', line 12: This element is not expected.", v.Details)

	assert.Equal(t, 0, newViolation("no position").Line)
}
