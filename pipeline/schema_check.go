package pipeline

import (
	"context"
	"encoding/xml"
	"io"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/spf13/afero"

	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/txc"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/xsd"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// CatalogSchemaSource reads XSD bundles from the schema definition table.
func CatalogSchemaSource(repos *storage.Repositories) xsd.SchemaSource {
	return func(category storage.SchemaCategory) ([]byte, error) {
		def, err := repos.Schemas.GetByCategory(nil, category)
		if storage.IsNotFound(err, "") {
			return nil, wrapStepError(CodeNoSchemaFound, err, "no schema stored for "+category.Label())
		}
		if err != nil {
			return nil, err
		}
		return def.Schema, nil
	}
}

// sniffCategory picks the schema category from the root element.
func sniffCategory(r io.Reader) storage.SchemaCategory {
	dec := txc.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return storage.SchemaCategoryTXC
		}
		if el, ok := tok.(xml.StartElement); ok {
			if el.Name.Local == "PublicationDelivery" {
				return storage.SchemaCategoryNeTEx
			}
			return storage.SchemaCategoryTXC
		}
	}
}

type SchemaCheckOutput struct {
	Violations int `json:"violations"`
}

// SchemaCheckStep validates a document against its XSD and replaces the
// file's schema violations with the result.
type SchemaCheckStep struct {
	repos   *storage.Repositories
	stores  Stores
	schemas *xsd.Cache
	fs      afero.Fs
}

func NewSchemaCheckStep(repos *storage.Repositories, stores Stores, schemas *xsd.Cache) *SchemaCheckStep {
	return &SchemaCheckStep{repos: repos, stores: stores, schemas: schemas, fs: afero.NewOsFs()}
}

func (s *SchemaCheckStep) Run(ctx context.Context, in StepInput) (*StepOutcome, error) {
	file, _, err := spool(ctx, s.fs, s.stores(in.Bucket), in.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer discard(s.fs, file)

	category := sniffCategory(file)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	validator, err := s.schemas.Get(category)
	if err != nil {
		return nil, err
	}
	found, err := validator.Validate(ctx, file)
	if err != nil {
		return nil, err
	}

	filename := in.Filename()
	now := time.Now().UTC()
	rows := make([]*storage.SchemaViolation, 0, len(found))
	for _, v := range found {
		rows = append(rows, &storage.SchemaViolation{
			RevisionID: in.RevisionID,
			Filename:   filename,
			Line:       v.Line,
			Details:    v.Details,
			Created:    now,
		})
	}
	err = storage.Session(s.repos.DB, func(tx *gorm.DB) error {
		filters := map[string]interface{}{"revision_id": in.RevisionID, "filename": filename}
		if _, err := s.repos.Violations.DeleteSchemaBy(tx, filters); err != nil {
			return err
		}
		return s.repos.Violations.BulkInsertSchema(tx, rows)
	})
	if err != nil {
		return nil, err
	}
	return &StepOutcome{Output: SchemaCheckOutput{Violations: len(rows)}}, nil
}
