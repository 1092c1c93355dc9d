package storage

import (
	"github.com/jinzhu/gorm"
)

// Repositories bundles every catalog repository over one database handle.
type Repositories struct {
	DB             *gorm.DB
	Revisions      RevisionRepo
	TaskResults    TaskResultRepo
	StepResults    StepResultRepo
	FileAttributes FileAttributesRepo
	Violations     ViolationRepo
	Schemas        SchemaDefinitionRepo
	CAVLArchives   CAVLArchiveRepo
	DQSTaskResults DQSTaskResultRepo
	Organisations  OrganisationRepo
	StopPoints     StopPointRepo
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		DB:             db,
		Revisions:      NewRevisionRepo(db),
		TaskResults:    NewTaskResultRepo(db),
		StepResults:    NewStepResultRepo(db),
		FileAttributes: NewFileAttributesRepo(db),
		Violations:     NewViolationRepo(db),
		Schemas:        NewSchemaDefinitionRepo(db),
		CAVLArchives:   NewCAVLArchiveRepo(db),
		DQSTaskResults: NewDQSTaskResultRepo(db),
		Organisations:  NewOrganisationRepo(db),
		StopPoints:     NewStopPointRepo(db),
	}
}
