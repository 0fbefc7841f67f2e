package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Look is the subject a batch produces variants for.
type Look struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string        `gorm:"column:name;not null" json:"name"`
	Stage     LookStage     `gorm:"column:stage;not null;index" json:"stage"`
	Sources   []SourceImage `gorm:"foreignKey:LookID" json:"sources,omitempty"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time     `gorm:"not null" json:"updated_at"`
}

func (Look) TableName() string { return "look" }

func (l *Look) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// SourceImage is a reference photo of a look taken from one view.
type SourceImage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	LookID    uuid.UUID `gorm:"type:uuid;column:look_id;not null;index" json:"look_id"`
	View      string    `gorm:"column:view;not null" json:"view"`
	URL       string    `gorm:"column:url;not null" json:"url"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (SourceImage) TableName() string { return "look_source_image" }

func (s *SourceImage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SourcesUpdatedAt is the newest change across the look and its source images.
func (l *Look) SourcesUpdatedAt() time.Time {
	if l == nil {
		return time.Time{}
	}
	latest := l.UpdatedAt
	for _, s := range l.Sources {
		if s.UpdatedAt.After(latest) {
			latest = s.UpdatedAt
		}
	}
	return latest
}

// SourceURLs groups source image urls by view.
func (l *Look) SourceURLs() map[string][]string {
	out := map[string][]string{}
	if l == nil {
		return out
	}
	for _, s := range l.Sources {
		if s.URL == "" {
			continue
		}
		out[s.View] = append(out[s.View], s.URL)
	}
	return out
}
