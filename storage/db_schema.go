package storage

import (
	"strings"
	"time"
)

type RevisionStatus string

const (
	RevisionStatusPending  RevisionStatus = "pending"
	RevisionStatusDraft    RevisionStatus = "draft"
	RevisionStatusIndexing RevisionStatus = "indexing"
	RevisionStatusLive     RevisionStatus = "live"
	RevisionStatusSuccess  RevisionStatus = "success"
	RevisionStatusExpiring RevisionStatus = "expiring"
	RevisionStatusWarning  RevisionStatus = "warning"
	RevisionStatusError    RevisionStatus = "error"
	RevisionStatusExpired  RevisionStatus = "expired"
	RevisionStatusDeleted  RevisionStatus = "deleted"
	RevisionStatusInactive RevisionStatus = "inactive"
)

var revisionStatusLabels = map[RevisionStatus]string{
	RevisionStatusPending:  "Pending",
	RevisionStatusDraft:    "Draft",
	RevisionStatusIndexing: "Indexing",
	RevisionStatusLive:     "Published",
	RevisionStatusSuccess:  "Success",
	RevisionStatusExpiring: "Soon to expire",
	RevisionStatusWarning:  "Warning",
	RevisionStatusError:    "Error",
	RevisionStatusExpired:  "Expired",
	RevisionStatusDeleted:  "Deleted",
	RevisionStatusInactive: "Inactive",
}

func (s RevisionStatus) Label() string { return revisionStatusLabels[s] }

func (s RevisionStatus) Valid() bool {
	_, ok := revisionStatusLabels[s]
	return ok
}

// Terminal statuses end an ETL run.
func (s RevisionStatus) Terminal() bool {
	switch s {
	case RevisionStatusLive, RevisionStatusSuccess, RevisionStatusError,
		RevisionStatusExpiring, RevisionStatusExpired:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "PENDING"
	TaskStatusReceived    TaskStatus = "RECEIVED"
	TaskStatusStarted     TaskStatus = "STARTED"
	TaskStatusSuccess     TaskStatus = "SUCCESS"
	TaskStatusFailure     TaskStatus = "FAILURE"
	TaskStatusReady       TaskStatus = "READY"
	TaskStatusSystemError TaskStatus = "SYSTEM_ERROR"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure || s == TaskStatusSystemError
}

// rank orders statuses so that step transitions only move forward. FAILURE
// and SUCCESS share a rank; a retry resets FAILURE explicitly.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusReceived:
		return 1
	case TaskStatusStarted:
		return 2
	case TaskStatusReady:
		return 3
	case TaskStatusSuccess, TaskStatusFailure, TaskStatusSystemError:
		return 4
	}
	return -1
}

type StepName string

const (
	StepClamAV            StepName = "Clam AV Scanner"
	StepSchemaCheck       StepName = "Timetable Schema Check"
	StepFileValidator     StepName = "TxC File Validator"
	StepTXCAttributes     StepName = "TxC attributes extraction"
	StepPTIValidation     StepName = "PTI Validation"
	StepPostSchemaCheck   StepName = "Timetable Post Schema Check"
	StepInitialize        StepName = "Initialize Pipeline"
	StepCollateMapResults StepName = "Collate Map Results"
)

func (s StepName) Valid() bool {
	switch s {
	case StepClamAV, StepSchemaCheck, StepFileValidator, StepTXCAttributes,
		StepPTIValidation, StepPostSchemaCheck, StepInitialize, StepCollateMapResults:
		return true
	}
	return false
}

type SchemaCategory string

const (
	SchemaCategoryTXC   SchemaCategory = "txc"
	SchemaCategoryNeTEx SchemaCategory = "netex"
)

func (c SchemaCategory) Label() string {
	switch c {
	case SchemaCategoryTXC:
		return "TransXChange"
	case SchemaCategoryNeTEx:
		return "NeTEx"
	}
	return ""
}

type CAVLDataFormat string

const (
	CAVLDataFormatSIRIVM    CAVLDataFormat = "VM"
	CAVLDataFormatGTFSRT    CAVLDataFormat = "RT"
	CAVLDataFormatSIRIVMTfL CAVLDataFormat = "TL"
)

func (f CAVLDataFormat) Label() string {
	switch f {
	case CAVLDataFormatSIRIVM:
		return "SIRI VM"
	case CAVLDataFormatGTFSRT:
		return "GTFS RT"
	case CAVLDataFormatSIRIVMTfL:
		return "SIRI VM TfL"
	}
	return ""
}

type Organisation struct {
	ID              int `gorm:"primary_key"`
	Name            string
	KeyContactEmail string
	IsActive        bool
}

func (Organisation) TableName() string {
	return "organisation_organisation"
}

type Dataset struct {
	ID             int `gorm:"primary_key"`
	OrganisationID int `gorm:"index"`
	LiveRevisionID *int
	DatasetType    int
	Created        time.Time
	Modified       time.Time
}

func (Dataset) TableName() string {
	return "organisation_dataset"
}

type DatasetRevision struct {
	ID                   int `gorm:"primary_key"`
	DatasetID            int `gorm:"index"`
	Name                 string
	Description          string
	ShortDescription     string
	Comment              string
	Status               RevisionStatus `gorm:"index"`
	Created              time.Time
	Modified             time.Time
	PublishedAt          *time.Time
	FirstServiceStart    *time.Time
	FirstExpiringService *time.Time
	LastExpiringService  *time.Time
	NumOfLines           int
	NumOfOperators       int
	NumOfBusStops        int
	NumOfTimingPoints    int
	TransXChangeVersion  string `gorm:"column:transxchange_version"`
	IsPublished          bool
	UploadFile           string
	URLLink              string
}

func (DatasetRevision) TableName() string {
	return "organisation_datasetrevision"
}

type ETLTaskResult struct {
	ID             int    `gorm:"primary_key"`
	RevisionID     int    `gorm:"index"`
	TaskID         string `gorm:"column:task_id"`
	Status         TaskStatus
	Progress       int
	Created        time.Time
	Completed      *time.Time
	TaskNameFailed string
	ErrorCode      string
	AdditionalInfo string
}

func (ETLTaskResult) TableName() string {
	return "pipelines_datasetetltaskresult"
}

type StepResult struct {
	ID           int      `gorm:"primary_key"`
	TaskResultID int      `gorm:"unique_index:uniq_step_per_task"`
	StepName     StepName `gorm:"unique_index:uniq_step_per_task"`
	Status       TaskStatus
	Start        *time.Time `gorm:"column:start_time"`
	End          *time.Time `gorm:"column:end_time"`
	ErrorCode    string
	Message      string
	ObjectKey    string
	Attempts     int
}

func (StepResult) TableName() string {
	return "pipelines_stepresult"
}

type TXCFileAttributes struct {
	ID                       int    `gorm:"primary_key"`
	RevisionID               int    `gorm:"unique_index:uniq_txc_revision_filename"`
	Filename                 string `gorm:"unique_index:uniq_txc_revision_filename"`
	SchemaVersion            string
	RevisionNumber           int
	ModificationDatetime     *time.Time
	CreationDatetime         *time.Time
	Modification             string
	NationalOperatorCode     string `gorm:"index"`
	LicenceNumber            string
	ServiceCode              string `gorm:"index"`
	Origin                   string
	Destination              string
	LineNames                string
	OperatingPeriodStartDate *time.Time
	OperatingPeriodEndDate   *time.Time
	PublicUse                bool
	Hash                     string `gorm:"index"`
	FirstExpiringServiceDate *time.Time
	LastExpiringServiceDate  *time.Time
	NumOfTimingPoints        int
}

func (TXCFileAttributes) TableName() string {
	return "organisation_txcfileattributes"
}

// Lines returns the stored line names in document order.
func (a *TXCFileAttributes) Lines() []string {
	if a.LineNames == "" {
		return []string{}
	}
	return strings.Split(a.LineNames, ",")
}

func (a *TXCFileAttributes) SetLines(lines []string) {
	a.LineNames = strings.Join(lines, ",")
}

type SchemaViolation struct {
	ID         int `gorm:"primary_key"`
	RevisionID int `gorm:"index"`
	Filename   string
	Line       int
	Details    string
	Created    time.Time
}

func (SchemaViolation) TableName() string {
	return "pipelines_schemaviolation"
}

type PostSchemaViolation struct {
	ID                int `gorm:"primary_key"`
	RevisionID        int `gorm:"index"`
	Filename          string
	Details           string
	AdditionalDetails string
	Created           time.Time
}

func (PostSchemaViolation) TableName() string {
	return "pipelines_postschemaviolation"
}

type PTIObservation struct {
	ID          int `gorm:"primary_key"`
	RevisionID  int `gorm:"index"`
	Filename    string
	Line        int
	ElementName string
	Category    string
	Reference   string
	Details     string
	ServiceCode string
	Created     time.Time
}

func (PTIObservation) TableName() string {
	return "pipelines_ptiobservation"
}

type SchemaDefinition struct {
	ID       int            `gorm:"primary_key"`
	Category SchemaCategory `gorm:"unique_index"`
	Schema   []byte
	Checksum string
	Created  time.Time
	Modified time.Time
}

func (SchemaDefinition) TableName() string {
	return "pipelines_schemadefinition"
}

type CAVLArchive struct {
	ID          int            `gorm:"primary_key"`
	DataFormat  CAVLDataFormat `gorm:"unique_index"`
	Data        string
	Created     time.Time
	LastUpdated time.Time
}

func (CAVLArchive) TableName() string {
	return "avl_cavldataarchive"
}

type DQSTaskResult struct {
	ID                            int `gorm:"primary_key"`
	TaskResultID                  int `gorm:"column:dataquality_report_id"`
	TransmodelTXCFileAttributesID int `gorm:"column:transmodel_txcfileattributes_id;index"`
	Status                        string
	Created                       time.Time
}

func (DQSTaskResult) TableName() string {
	return "dqs_taskresults"
}

type AdminArea struct {
	ID                int `gorm:"primary_key"`
	Name              string
	AtcoCode          string
	TravelineRegionID string
}

func (AdminArea) TableName() string {
	return "naptan_adminarea"
}

type StopPoint struct {
	ID          int    `gorm:"primary_key"`
	AtcoCode    string `gorm:"unique_index"`
	CommonName  string
	AdminAreaID *int
}

func (StopPoint) TableName() string {
	return "naptan_stoppoint"
}

// Models lists every table owned by the pipeline, parents first.
func Models() []interface{} {
	return []interface{}{
		&Organisation{},
		&Dataset{},
		&DatasetRevision{},
		&ETLTaskResult{},
		&StepResult{},
		&TXCFileAttributes{},
		&SchemaViolation{},
		&PostSchemaViolation{},
		&PTIObservation{},
		&SchemaDefinition{},
		&CAVLArchive{},
		&DQSTaskResult{},
		&AdminArea{},
		&StopPoint{},
	}
}
