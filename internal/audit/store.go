package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradecore/internal/execution"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RecordID   string         `gorm:"column:record_id;uniqueIndex"`
	DecisionID string         `gorm:"column:decision_id;index"`
	Mode       string         `gorm:"column:mode"`
	Adapter    string         `gorm:"column:adapter"`
	Instrument string         `gorm:"column:instrument;index"`
	Side       string         `gorm:"column:side"`
	Size       float64        `gorm:"column:size"`
	Status     string         `gorm:"column:status"`
	Layer      string         `gorm:"column:layer"`
	Reason     string         `gorm:"column:reason"`
	BrokerRef  string         `gorm:"column:broker_ref"`
	FillPrice  float64        `gorm:"column:fill_price"`
	Attempts   int            `gorm:"column:attempts"`
	Duplicate  bool           `gorm:"column:duplicate"`
	Timestamp  int64          `gorm:"column:timestamp;index"`
	Payload    datatypes.JSON `gorm:"column:payload"`
}

func (recordModel) TableName() string { return "audit_records" }

type payload struct {
	Order  execution.Order       `json:"order"`
	Result execution.OrderResult `json:"result"`
}

// Store is the sqlite audit log. Rows can be inserted and read; triggers
// abort any UPDATE or DELETE.
type Store struct {
	db *gorm.DB
}

func OpenStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewStoreFromDB(db)
}

func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_update BEFORE UPDATE ON audit_records
		BEGIN SELECT RAISE(ABORT, 'audit_records is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_delete BEFORE DELETE ON audit_records
		BEGIN SELECT RAISE(ABORT, 'audit_records is append-only'); END;`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("install audit trigger: %w", err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return &Store{db: db}, nil
}

func (s *Store) Append(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("audit store 未初始化")
	}
	body, err := json.Marshal(payload{Order: rec.Order, Result: rec.Result})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	m := recordModel{
		RecordID:   rec.ID,
		DecisionID: rec.DecisionID,
		Mode:       rec.Mode,
		Adapter:    rec.Adapter,
		Instrument: rec.Instrument,
		Side:       rec.Side,
		Size:       rec.Size,
		Status:     string(rec.Status),
		Layer:      rec.Layer,
		Reason:     rec.Reason,
		BrokerRef:  rec.BrokerRef,
		FillPrice:  rec.FillPrice,
		Attempts:   rec.Attempts,
		Duplicate:  rec.Duplicate,
		Timestamp:  rec.At.UnixMilli(),
		Payload:    datatypes.JSON(body),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// List returns the newest records first. An empty decisionID lists all.
func (s *Store) List(ctx context.Context, decisionID string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("audit store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("timestamp DESC, id DESC").Limit(limit)
	if decisionID != "" {
		q = q.Where("decision_id = ?", decisionID)
	}
	var models []recordModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(models))
	for _, m := range models {
		out = append(out, m.toRecord())
	}
	return out, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (m recordModel) toRecord() Record {
	rec := Record{
		ID:         m.RecordID,
		DecisionID: m.DecisionID,
		Mode:       m.Mode,
		Adapter:    m.Adapter,
		Instrument: m.Instrument,
		Side:       m.Side,
		Size:       m.Size,
		Status:     execution.Status(m.Status),
		Layer:      m.Layer,
		Reason:     m.Reason,
		BrokerRef:  m.BrokerRef,
		FillPrice:  m.FillPrice,
		Attempts:   m.Attempts,
		Duplicate:  m.Duplicate,
		At:         time.UnixMilli(m.Timestamp).UTC(),
	}
	var p payload
	if len(m.Payload) > 0 && json.Unmarshal(m.Payload, &p) == nil {
		rec.Order = p.Order
		rec.Result = p.Result
	}
	return rec
}
