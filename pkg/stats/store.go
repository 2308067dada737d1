package stats

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Entry 持久化的统计记录
type Entry struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	AppID                  string    `gorm:"size:64;index:idx_app_created" json:"app_id"`
	PeakConnectionsCount   int       `json:"peak_connections_count"`
	WebSocketMessagesCount int       `gorm:"column:websocket_messages_count" json:"websocket_messages_count"`
	APIMessagesCount       int       `gorm:"column:api_messages_count" json:"api_messages_count"`
	CreatedAt              time.Time `gorm:"index:idx_app_created" json:"created_at"`
}

// TableName 表名
func (Entry) TableName() string {
	return "websockets_statistics_entries"
}

// Store 基于 gorm 的统计存储
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore 创建存储
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate 建表
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Entry{})
}

// Save 批量写入，实现 Saver
func (s *Store) Save(ctx context.Context, snapshots []Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]Entry, 0, len(snapshots))
	for _, snap := range snapshots {
		rows = append(rows, Entry{
			AppID:                  snap.AppID,
			PeakConnectionsCount:   snap.PeakConnectionsCount,
			WebSocketMessagesCount: snap.WebSocketMessagesCount,
			APIMessagesCount:       snap.APIMessagesCount,
			CreatedAt:              now,
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// List 查询应用在 [from, to] 内的记录，零值表示不限制
func (s *Store) List(ctx context.Context, appID string, from, to time.Time) ([]Entry, error) {
	q := s.db.WithContext(ctx).Where("app_id = ?", appID)
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at <= ?", to)
	}
	var out []Entry
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Prune 删除 before 之前的记录，返回删除行数
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&Entry{})
	return res.RowsAffected, res.Error
}
