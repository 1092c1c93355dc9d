package storage

import (
	"time"

	"github.com/jinzhu/gorm"
)

type CAVLArchiveRepo interface {
	GetByDataFormat(tx *gorm.DB, format CAVLDataFormat) (*CAVLArchive, error)
	// Upsert points the format's archive record at a new object key.
	Upsert(tx *gorm.DB, format CAVLDataFormat, key string) (*CAVLArchive, error)
}

type cavlArchiveRepo struct {
	db *gorm.DB
}

func NewCAVLArchiveRepo(db *gorm.DB) CAVLArchiveRepo {
	return &cavlArchiveRepo{db: db}
}

func (r *cavlArchiveRepo) GetByDataFormat(tx *gorm.DB, format CAVLDataFormat) (*CAVLArchive, error) {
	var archive CAVLArchive
	err := txOr(tx, r.db).Where("data_format = ?", format).First(&archive).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, &NotFoundError{Code: CodeArchiveNotFound, ID: format}
	}
	if err != nil {
		return nil, queryError(err, "SELECT * FROM avl_cavldataarchive WHERE data_format = ?", format)
	}
	return &archive, nil
}

func (r *cavlArchiveRepo) Upsert(tx *gorm.DB, format CAVLDataFormat, key string) (*CAVLArchive, error) {
	now := time.Now().UTC()
	archive, err := r.GetByDataFormat(tx, format)
	switch {
	case IsNotFound(err, CodeArchiveNotFound):
		archive = &CAVLArchive{DataFormat: format, Data: key, Created: now, LastUpdated: now}
		if err := txOr(tx, r.db).Create(archive).Error; err != nil {
			// Outside a transaction a concurrent archiver that inserted
			// the format first is updated instead.
			if tx == nil && isUniqueViolation(err) {
				return r.Upsert(nil, format, key)
			}
			return nil, queryError(err, "INSERT INTO avl_cavldataarchive", format)
		}
		return archive, nil
	case err != nil:
		return nil, err
	}

	archive.Data = key
	archive.LastUpdated = now
	if err := txOr(tx, r.db).Save(archive).Error; err != nil {
		return nil, queryError(err, "UPDATE avl_cavldataarchive WHERE data_format = ?", format)
	}
	return archive, nil
}
