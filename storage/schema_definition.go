package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/jinzhu/gorm"
)

type SchemaDefinitionRepo interface {
	GetByCategory(tx *gorm.DB, category SchemaCategory) (*SchemaDefinition, error)
	// Upsert stores the schema blob for a category, keeping one row per
	// category. Unchanged blobs are not rewritten.
	Upsert(tx *gorm.DB, category SchemaCategory, blob []byte) (*SchemaDefinition, error)
}

type schemaDefinitionRepo struct {
	db *gorm.DB
}

func NewSchemaDefinitionRepo(db *gorm.DB) SchemaDefinitionRepo {
	return &schemaDefinitionRepo{db: db}
}

func (r *schemaDefinitionRepo) GetByCategory(tx *gorm.DB, category SchemaCategory) (*SchemaDefinition, error) {
	var def SchemaDefinition
	err := txOr(tx, r.db).Where("category = ?", category).First(&def).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, &NotFoundError{Code: CodeSchemaNotFound, ID: category}
	}
	if err != nil {
		return nil, queryError(err, "SELECT * FROM pipelines_schemadefinition WHERE category = ?", category)
	}
	return &def, nil
}

func (r *schemaDefinitionRepo) Upsert(tx *gorm.DB, category SchemaCategory, blob []byte) (*SchemaDefinition, error) {
	sum := sha1.Sum(blob)
	checksum := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	existing, err := r.GetByCategory(tx, category)
	if err != nil && !IsNotFound(err, CodeSchemaNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Checksum == checksum {
			return existing, nil
		}
		existing.Schema = blob
		existing.Checksum = checksum
		existing.Modified = now
		if err := txOr(tx, r.db).Save(existing).Error; err != nil {
			return nil, queryError(err, "UPDATE pipelines_schemadefinition WHERE category = ?", category)
		}
		return existing, nil
	}

	def := &SchemaDefinition{
		Category: category,
		Schema:   blob,
		Checksum: checksum,
		Created:  now,
		Modified: now,
	}
	if err := txOr(tx, r.db).Create(def).Error; err != nil {
		return nil, queryError(err, "INSERT INTO pipelines_schemadefinition", category)
	}
	return def, nil
}
