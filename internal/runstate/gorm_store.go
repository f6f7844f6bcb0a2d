package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// runRecord is the runs table row.
type runRecord struct {
	ID                 string             `gorm:"primaryKey;size:64"`
	ConsortiumID       string             `gorm:"size:64;not null;index"`
	StudyConfiguration StudyConfiguration `gorm:"type:text;serializer:json"`
	Members            []string           `gorm:"type:text;serializer:json"`
	Status             string             `gorm:"size:32;not null"`
	CreatedAt          time.Time          `gorm:"not null"`
	LastUpdated        time.Time          `gorm:"not null"`
	Errors             []RunError         `gorm:"type:text;serializer:json"`
	Metadata           map[string]any     `gorm:"type:text;serializer:json"`
}

func (runRecord) TableName() string { return "runs" }

func (r *runRecord) toRun() *Run {
	errs := r.Errors
	if errs == nil {
		errs = []RunError{}
	}
	return &Run{
		ID:                 r.ID,
		ConsortiumID:       r.ConsortiumID,
		StudyConfiguration: r.StudyConfiguration,
		Members:            r.Members,
		Status:             RunStatus(r.Status),
		CreatedAt:          r.CreatedAt.UTC(),
		LastUpdated:        r.LastUpdated.UTC(),
		Errors:             errs,
		Metadata:           r.Metadata,
	}
}

func recordFromRun(r *Run) *runRecord {
	return &runRecord{
		ID:                 r.ID,
		ConsortiumID:       r.ConsortiumID,
		StudyConfiguration: r.StudyConfiguration,
		Members:            r.Members,
		Status:             string(r.Status),
		CreatedAt:          r.CreatedAt,
		LastUpdated:        r.LastUpdated,
		Errors:             r.Errors,
		Metadata:           r.Metadata,
	}
}

// consortiumRecord is the consortia table row.
type consortiumRecord struct {
	ID                 string             `gorm:"primaryKey;size:64"`
	Title              string             `gorm:"size:255"`
	Leader             string             `gorm:"size:64;not null"`
	Members            []string           `gorm:"type:text;serializer:json"`
	ActiveMembers      []string           `gorm:"type:text;serializer:json"`
	ReadyMembers       []string           `gorm:"type:text;serializer:json"`
	StudyConfiguration StudyConfiguration `gorm:"type:text;serializer:json"`
	LatestRunID        string             `gorm:"size:64"`
}

func (consortiumRecord) TableName() string { return "consortia" }

// mutableRunColumns are the only columns UpdateRun writes.
var mutableRunColumns = []string{"status", "last_updated", "errors", "metadata"}

// GormStore is a Store on a gorm database (postgres, mysql or sqlite).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. The schema is owned by the migrations; tests may call
// AutoMigrate instead.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the tables from the record structs.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&runRecord{}, &consortiumRecord{})
}

func (s *GormStore) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(recordFromRun(run)).Error; err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *GormStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var rec runRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return rec.toRun(), nil
}

func (s *GormStore) UpdateRun(ctx context.Context, id string, mutate func(*Run) error) (*Run, error) {
	var out *Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var rec runRecord
		if err := q.First(&rec, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		run := rec.toRun()
		if err := mutate(run); err != nil {
			return err
		}
		next := recordFromRun(run)
		if err := tx.Model(&runRecord{}).
			Where("id = ?", id).
			Select(mutableRunColumns).
			Updates(next).Error; err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		rec.Status = next.Status
		rec.LastUpdated = next.LastUpdated
		rec.Errors = next.Errors
		rec.Metadata = next.Metadata
		out = rec.toRun()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) DeleteRun(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&runRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListRuns(ctx context.Context, consortiumID string) ([]*Run, error) {
	var recs []runRecord
	if err := s.db.WithContext(ctx).
		Where("consortium_id = ?", consortiumID).
		Order("created_at DESC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*Run, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toRun())
	}
	sortRuns(out)
	return out, nil
}

func (s *GormStore) GetConsortium(ctx context.Context, id string) (*Consortium, error) {
	var rec consortiumRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &Consortium{
		ID:                 rec.ID,
		Title:              rec.Title,
		Leader:             rec.Leader,
		Members:            rec.Members,
		ActiveMembers:      rec.ActiveMembers,
		ReadyMembers:       rec.ReadyMembers,
		StudyConfiguration: rec.StudyConfiguration,
		LatestRunID:        rec.LatestRunID,
	}, nil
}

func (s *GormStore) SaveConsortium(ctx context.Context, c *Consortium) error {
	rec := consortiumRecord{
		ID:                 c.ID,
		Title:              c.Title,
		Leader:             c.Leader,
		Members:            c.Members,
		ActiveMembers:      c.ActiveMembers,
		ReadyMembers:       c.ReadyMembers,
		StudyConfiguration: c.StudyConfiguration,
		LatestRunID:        c.LatestRunID,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save consortium: %w", err)
	}
	return nil
}

func (s *GormStore) SetLatestRun(ctx context.Context, consortiumID, runID string) error {
	res := s.db.WithContext(ctx).
		Model(&consortiumRecord{}).
		Where("id = ?", consortiumID).
		Update("latest_run_id", runID)
	if res.Error != nil {
		return fmt.Errorf("set latest run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
