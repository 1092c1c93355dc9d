package pipeline

import (
	"context"
	"io"
	"strings"

	"github.com/jinzhu/gorm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/txc"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// SupportedSchemaVersions is the set of TransXChange versions the pipeline
// accepts.
var SupportedSchemaVersions = map[string]bool{"2.4": true}

type AttributesOutput struct {
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// AttributesStep extracts the TXCFileAttributes row of one document.
type AttributesStep struct {
	repos     *storage.Repositories
	stores    Stores
	supported map[string]bool
	fs        afero.Fs
}

func NewAttributesStep(repos *storage.Repositories, stores Stores) *AttributesStep {
	return &AttributesStep{repos: repos, stores: stores, supported: SupportedSchemaVersions, fs: afero.NewOsFs()}
}

// NormalizeFilename appends .xml when the name lacks it.
func NormalizeFilename(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".xml") {
		return name
	}
	return name + ".xml"
}

func (s *AttributesStep) Run(ctx context.Context, in StepInput) (*StepOutcome, error) {
	file, size, err := spool(ctx, s.fs, s.stores(in.Bucket), in.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer discard(s.fs, file)
	if size == 0 {
		return nil, stepErrorf(CodeValidationFailed, "%s is empty", in.Filename())
	}

	hash, err := txc.Hash(file)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	doc, err := txc.Parse(file)
	if err != nil {
		return nil, wrapStepError(CodeValidationFailed, err, "unable to parse "+in.Filename())
	}
	if !s.supported[doc.SchemaVersion] {
		return nil, stepErrorf(CodeSchemaVersionNotSupported, "schema version %q is not supported", doc.SchemaVersion)
	}

	attrs := toAttributes(in.RevisionID, NormalizeFilename(in.Filename()), hash, doc)
	out := AttributesOutput{Filename: attrs.Filename, Hash: hash}
	err = storage.Session(s.repos.DB, func(tx *gorm.DB) error {
		if _, err := s.repos.FileAttributes.DeleteBy(tx, map[string]interface{}{
			"revision_id": in.RevisionID,
			"filename":    attrs.Filename,
		}); err != nil {
			return err
		}
		hashes, err := s.repos.FileAttributes.HashesForRevision(tx, in.RevisionID)
		if err != nil {
			return err
		}
		if hashes[hash] {
			out.Skipped = true
			return nil
		}
		return s.repos.FileAttributes.BulkInsert(tx, []*storage.TXCFileAttributes{attrs})
	})
	if err != nil {
		return nil, err
	}
	if out.Skipped {
		log.WithFields(log.Fields{"revision_id": in.RevisionID, "hash": hash}).Info("identical file already extracted, skipping")
	}
	return &StepOutcome{Output: out}, nil
}

func toAttributes(revisionID int, filename, hash string, doc *txc.Document) *storage.TXCFileAttributes {
	start, end := doc.OperatingPeriod()
	first, last := doc.ExpiringServiceDates()
	attrs := &storage.TXCFileAttributes{
		RevisionID:               revisionID,
		Filename:                 filename,
		SchemaVersion:            doc.SchemaVersion,
		RevisionNumber:           doc.RevisionNumber,
		ModificationDatetime:     doc.ModificationDateTime,
		CreationDatetime:         doc.CreationDateTime,
		Modification:             doc.Modification,
		NationalOperatorCode:     doc.NationalOperatorCode,
		LicenceNumber:            doc.LicenceNumber,
		ServiceCode:              doc.ServiceCode(),
		Origin:                   doc.Origin(),
		Destination:              doc.Destination(),
		OperatingPeriodStartDate: start,
		OperatingPeriodEndDate:   end,
		PublicUse:                doc.PublicUse(),
		Hash:                     hash,
		FirstExpiringServiceDate: first,
		LastExpiringServiceDate:  last,
		NumOfTimingPoints:        doc.TimingPoints,
	}
	attrs.SetLines(doc.LineNames())
	return attrs
}
