// Package xsd validates XML documents against the XSD bundles stored in the
// catalog.
package xsd

import (
	"compress/flate"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/lestrrat-go/libxml2"
	libxsd "github.com/lestrrat-go/libxml2/xsd"
	"github.com/mholt/archiver"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// rootSchemas names the entry point of each bundle.
var rootSchemas = map[storage.SchemaCategory]string{
	storage.SchemaCategoryTXC:   "TransXChange_general.xsd",
	storage.SchemaCategoryNeTEx: "NeTEx_publication.xsd",
}

// Violation is one schema error.
type Violation struct {
	Line    int
	Details string
}

type Validator interface {
	Validate(ctx context.Context, r io.Reader) ([]Violation, error)
}

// SchemaSource returns the zipped XSD bundle for a category.
type SchemaSource func(category storage.SchemaCategory) ([]byte, error)

// Cache builds one validator per category on first use and keeps it for the
// life of the process.
type Cache struct {
	source SchemaSource
	fs     afero.Fs

	mu         sync.Mutex
	validators map[storage.SchemaCategory]Validator
}

func NewCache(source SchemaSource) *Cache {
	return &Cache{
		source:     source,
		fs:         afero.NewOsFs(),
		validators: make(map[storage.SchemaCategory]Validator),
	}
}

// Put registers a prebuilt validator, replacing nothing already cached.
func (c *Cache) Put(category storage.SchemaCategory, v Validator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.validators[category]; !ok {
		c.validators[category] = v
	}
}

func (c *Cache) Get(category storage.SchemaCategory) (Validator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.validators[category]; ok {
		return v, nil
	}

	blob, err := c.source(category)
	if err != nil {
		return nil, err
	}
	v, err := c.build(category, blob)
	if err != nil {
		return nil, err
	}
	c.validators[category] = v
	return v, nil
}

func (c *Cache) build(category storage.SchemaCategory, blob []byte) (Validator, error) {
	root, ok := rootSchemas[category]
	if !ok {
		return nil, fmt.Errorf("no root schema known for category %q", category)
	}

	dir, err := afero.TempDir(c.fs, "", "xsd-"+string(category)+"-")
	if err != nil {
		return nil, err
	}
	defer c.fs.RemoveAll(dir)

	bundle := filepath.Join(dir, "bundle.zip")
	f, err := storage.CreateFile(c.fs, bundle)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	z := archiver.Zip{
		CompressionLevel:       flate.DefaultCompression,
		MkdirAll:               true,
		SelectiveCompression:   true,
		ContinueOnError:        false,
		OverwriteExisting:      true,
		ImplicitTopLevelFolder: false,
	}
	extracted := filepath.Join(dir, "schema")
	if err := z.Unarchive(bundle, extracted); err != nil {
		return nil, errors.Wrapf(err, "unable to extract %s schema bundle", category)
	}

	rootPath, err := findFile(c.fs, extracted, root)
	if err != nil {
		return nil, err
	}
	schema, err := libxsd.ParseFromFile(rootPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse %s", root)
	}
	log.WithFields(log.Fields{"category": category, "root": root}).Info("schema loaded")
	return &libxmlValidator{schema: schema}, nil
}

func findFile(fs afero.Fs, dir, name string) (string, error) {
	found := ""
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if found == "" && !info.IsDir() && info.Name() == name {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found in schema bundle", name)
	}
	return found, nil
}

type libxmlValidator struct {
	mu     sync.Mutex
	schema *libxsd.Schema
}

var lineInMessage = regexp.MustCompile(`(?i)line (\d+)`)

func (v *libxmlValidator) Validate(ctx context.Context, r io.Reader) ([]Violation, error) {
	body, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc, err := libxml2.Parse(body)
	if err != nil {
		return []Violation{{Line: 0, Details: strings.TrimSpace(err.Error())}}, nil
	}
	defer doc.Free()

	v.mu.Lock()
	err = v.schema.Validate(doc)
	v.mu.Unlock()
	if err == nil {
		return []Violation{}, nil
	}

	var verr libxsd.SchemaValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	out := make([]Violation, 0, len(verr.Errors()))
	for _, e := range verr.Errors() {
		out = append(out, newViolation(e.Error()))
	}
	return out, nil
}

func newViolation(msg string) Violation {
	msg = strings.TrimSpace(msg)
	line := 0
	if m := lineInMessage.FindStringSubmatch(msg); m != nil {
		line, _ = strconv.Atoi(m[1])
	}
	return Violation{Line: line, Details: msg}
}
