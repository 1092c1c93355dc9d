package storage

import (
	"github.com/jinzhu/gorm"
)

type OrganisationRepo interface {
	GetByID(tx *gorm.DB, id int) (*Organisation, error)
	GetDataset(tx *gorm.DB, id int) (*Dataset, error)
	Insert(tx *gorm.DB, org *Organisation) error
	InsertDataset(tx *gorm.DB, dataset *Dataset) error
	// OwnerOfRevision resolves the dataset and organisation that own a revision.
	OwnerOfRevision(tx *gorm.DB, revisionID int) (*Dataset, *Organisation, error)
}

type organisationRepo struct {
	db *gorm.DB
}

func NewOrganisationRepo(db *gorm.DB) OrganisationRepo {
	return &organisationRepo{db: db}
}

func (r *organisationRepo) GetByID(tx *gorm.DB, id int) (*Organisation, error) {
	var org Organisation
	if err := getByID(txOr(tx, r.db), &org, id, CodeOrganisationNotFound, org.TableName()); err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *organisationRepo) GetDataset(tx *gorm.DB, id int) (*Dataset, error) {
	var dataset Dataset
	if err := getByID(txOr(tx, r.db), &dataset, id, CodeDatasetNotFound, dataset.TableName()); err != nil {
		return nil, err
	}
	return &dataset, nil
}

func (r *organisationRepo) Insert(tx *gorm.DB, org *Organisation) error {
	err := txOr(tx, r.db).Create(org).Error
	return queryError(err, "INSERT INTO organisation_organisation", org.Name)
}

func (r *organisationRepo) InsertDataset(tx *gorm.DB, dataset *Dataset) error {
	err := txOr(tx, r.db).Create(dataset).Error
	return queryError(err, "INSERT INTO organisation_dataset", dataset.OrganisationID)
}

func (r *organisationRepo) OwnerOfRevision(tx *gorm.DB, revisionID int) (*Dataset, *Organisation, error) {
	rev, err := NewRevisionRepo(r.db).GetByID(tx, revisionID)
	if err != nil {
		return nil, nil, err
	}
	dataset, err := r.GetDataset(tx, rev.DatasetID)
	if err != nil {
		return nil, nil, err
	}
	org, err := r.GetByID(tx, dataset.OrganisationID)
	if err != nil {
		return dataset, nil, err
	}
	return dataset, org, nil
}
