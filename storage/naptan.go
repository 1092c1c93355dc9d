package storage

import (
	"github.com/jinzhu/gorm"
)

// TravelineRegionScotland is the traveline region id of Scottish admin areas.
const TravelineRegionScotland = "S"

type StopPointRepo interface {
	Insert(tx *gorm.DB, stop *StopPoint) error
	InsertAdminArea(tx *gorm.DB, area *AdminArea) error
	// RegionCounts returns how many of the given stops are known and how many
	// of those sit in a Scottish admin area.
	RegionCounts(tx *gorm.DB, atcoCodes []string) (known int, scottish int, err error)
}

type stopPointRepo struct {
	db *gorm.DB
}

func NewStopPointRepo(db *gorm.DB) StopPointRepo {
	return &stopPointRepo{db: db}
}

func (r *stopPointRepo) Insert(tx *gorm.DB, stop *StopPoint) error {
	err := txOr(tx, r.db).Create(stop).Error
	return queryError(err, "INSERT INTO naptan_stoppoint", stop.AtcoCode)
}

func (r *stopPointRepo) InsertAdminArea(tx *gorm.DB, area *AdminArea) error {
	err := txOr(tx, r.db).Create(area).Error
	return queryError(err, "INSERT INTO naptan_adminarea", area.AtcoCode)
}

func (r *stopPointRepo) RegionCounts(tx *gorm.DB, atcoCodes []string) (int, int, error) {
	if len(atcoCodes) == 0 {
		return 0, 0, nil
	}
	db := txOr(tx, r.db)

	var known int
	err := db.Model(&StopPoint{}).Where("atco_code IN (?)", atcoCodes).Count(&known).Error
	if err != nil {
		return 0, 0, queryError(err, "SELECT count(*) FROM naptan_stoppoint WHERE atco_code IN (?)", atcoCodes)
	}

	var scottish int
	err = db.Table("naptan_stoppoint").
		Joins("JOIN naptan_adminarea ON naptan_adminarea.id = naptan_stoppoint.admin_area_id").
		Where("naptan_stoppoint.atco_code IN (?) AND naptan_adminarea.traveline_region_id = ?", atcoCodes, TravelineRegionScotland).
		Count(&scottish).Error
	if err != nil {
		return 0, 0, queryError(err, "SELECT count(*) FROM naptan_stoppoint JOIN naptan_adminarea WHERE traveline_region_id = ?", TravelineRegionScotland)
	}
	return known, scottish, nil
}
