package session

import (
	"context"
	"errors"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"collabCoord/backend/internal/entity"
)

// sessionRow edit_sessions 表
type sessionRow struct {
	ID           string     `gorm:"primaryKey;size:36"`
	UserID       string     `gorm:"size:64;index"`
	DocumentType string     `gorm:"size:32;index:idx_doc"`
	DocumentID   string     `gorm:"size:128;index:idx_doc"`
	StartedAt    time.Time  `gorm:"not null"`
	EndedAt      time.Time  `gorm:"not null"`
	EditCount    int64      `gorm:"not null"`
	LastEditAt   *time.Time
}

func (sessionRow) TableName() string { return "edit_sessions" }

func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
}

// SQLArchive 已结束会话的归档
type SQLArchive struct{ db *gorm.DB }

var _ Archive = (*SQLArchive)(nil)

func NewSQLArchive(db *gorm.DB) *SQLArchive {
	return &SQLArchive{db: db}
}

func (a *SQLArchive) Migrate(ctx context.Context) error {
	return a.db.WithContext(ctx).AutoMigrate(&sessionRow{})
}

// Save 同一个会话重复归档视为成功
func (a *SQLArchive) Save(ctx context.Context, s entity.EditSession) error {
	row := sessionRow{
		ID:           s.ID,
		UserID:       s.UserID,
		DocumentType: s.DocumentType.String(),
		DocumentID:   s.DocumentID,
		StartedAt:    s.StartedAt,
		EditCount:    s.EditCount,
		LastEditAt:   s.LastEditAt,
	}
	if s.EndedAt != nil {
		row.EndedAt = *s.EndedAt
	}
	err := a.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// ByDocument 某个文档最近结束的会话
func (a *SQLArchive) ByDocument(ctx context.Context, key entity.DocKey, limit int) ([]entity.EditSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sessionRow
	err := a.db.WithContext(ctx).
		Where("document_type = ? AND document_id = ?", key.Type.String(), key.ID).
		Order("ended_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]entity.EditSession, 0, len(rows))
	for _, r := range rows {
		dt, err := entity.ParseDocumentType(r.DocumentType)
		if err != nil {
			continue
		}
		ended := r.EndedAt
		out = append(out, entity.EditSession{
			ID:           r.ID,
			UserID:       r.UserID,
			DocumentType: dt,
			DocumentID:   r.DocumentID,
			StartedAt:    r.StartedAt,
			EditCount:    r.EditCount,
			LastEditAt:   r.LastEditAt,
			EndedAt:      &ended,
		})
	}
	return out, nil
}
