package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"

	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/txc"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const PIIError = "PII_ERROR"

type PostSchemaOutput struct {
	Violations int `json:"violations"`
}

// PostSchemaStep looks for personal data leaking through the FileName the
// publisher's tooling wrote into the document header.
type PostSchemaStep struct {
	repos    *storage.Repositories
	stores   Stores
	patterns []*regexp.Regexp
}

// NewPostSchemaStep compiles the extra PII patterns; an invalid pattern is an
// error.
func NewPostSchemaStep(repos *storage.Repositories, stores Stores, patterns []string) (*PostSchemaStep, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid PII pattern %q", p)
		}
		compiled = append(compiled, re)
	}
	return &PostSchemaStep{repos: repos, stores: stores, patterns: compiled}, nil
}

// piiFindings returns one entry per signal found in the header FileName.
func (s *PostSchemaStep) piiFindings(fileName string) []string {
	findings := make([]string, 0)
	if strings.Contains(fileName, `\`) {
		findings = append(findings, "FileName contains a backslash")
	}
	for _, re := range s.patterns {
		if re.MatchString(fileName) {
			findings = append(findings, "FileName matches "+re.String())
		}
	}
	return findings
}

func (s *PostSchemaStep) Run(ctx context.Context, in StepInput) (*StepOutcome, error) {
	body, err := s.stores(in.Bucket).Download(ctx, in.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := txc.Parse(body)
	if err != nil {
		return nil, wrapStepError(CodeValidationFailed, err, "unable to parse "+in.Filename())
	}

	filename := in.Filename()
	now := time.Now().UTC()
	rows := make([]*storage.PostSchemaViolation, 0)
	for _, finding := range s.piiFindings(doc.FileName) {
		rows = append(rows, &storage.PostSchemaViolation{
			RevisionID:        in.RevisionID,
			Filename:          filename,
			Details:           PIIError,
			AdditionalDetails: finding,
			Created:           now,
		})
	}
	err = storage.Session(s.repos.DB, func(tx *gorm.DB) error {
		filters := map[string]interface{}{"revision_id": in.RevisionID, "filename": filename}
		if _, err := s.repos.Violations.DeletePostSchemaBy(tx, filters); err != nil {
			return err
		}
		return s.repos.Violations.BulkInsertPostSchema(tx, rows)
	})
	if err != nil {
		return nil, err
	}
	return &StepOutcome{Output: PostSchemaOutput{Violations: len(rows)}}, nil
}
