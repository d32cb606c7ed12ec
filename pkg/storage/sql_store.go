package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/patrickpassosb/agent-market/pkg/app/core/market"
	"github.com/patrickpassosb/agent-market/pkg/ledger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption describes a PostgreSQL connection. ConnString wins over the fields.
type PostgresOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

// DSN builds a postgres:// URL from the option fields
func (opt PostgresOption) DSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

type runRow struct {
	ID        string `gorm:"primaryKey"`
	StartedAt time.Time
	Quote     string
	Assets    string // comma separated
	Label     string
}

func (runRow) TableName() string { return "runs" }

type transactionRow struct {
	ID          string `gorm:"primaryKey"`
	RunID       string `gorm:"index:idx_tx_run_order,priority:1"`
	Tick        uint64 `gorm:"index:idx_tx_run_order,priority:2"`
	Seq         uint64 `gorm:"index:idx_tx_run_order,priority:3"`
	Asset       string
	BuyerID     string
	SellerID    string
	BuyOrderID  string
	SellOrderID string
	Price       int64
	Qty         int64
	Timestamp   time.Time
}

func (transactionRow) TableName() string { return "transactions" }

type interactionRow struct {
	ID           string `gorm:"primaryKey"`
	RunID        string `gorm:"index:idx_ix_run_order,priority:1"`
	Tick         uint64 `gorm:"index:idx_ix_run_order,priority:2"`
	Seq          uint64 `gorm:"index:idx_ix_run_order,priority:3"`
	Kind         string
	Participant  string
	Counterparty string
	Asset        string
	Action       string
	OrderID      string
	Price        int64
	Qty          int64
	Reason       string
	Timestamp    time.Time
}

func (interactionRow) TableName() string { return "interactions" }

// SQLStore is the relational ledger backend for reporting
type SQLStore struct {
	db *gorm.DB
}

// OpenPostgres connects, migrates the schema and returns a store
func OpenPostgres(opt PostgresOption) (*SQLStore, error) {
	config := opt.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(opt.DSN()), config)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an open gorm connection and migrates the ledger tables
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&runRow{}, &transactionRow{}, &interactionRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// insert appends one row; a primary key conflict becomes ErrDuplicateRecord
func (s *SQLStore) insert(ctx context.Context, row any, id string) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ledger.ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateRecord, id)
	}
	return nil
}

func (s *SQLStore) RecordRun(ctx context.Context, run ledger.Run) error {
	return s.insert(ctx, &runRow{
		ID:        run.ID,
		StartedAt: run.StartedAt,
		Quote:     run.Quote,
		Assets:    strings.Join(run.Assets, ","),
		Label:     run.Label,
	}, run.ID)
}

func (s *SQLStore) RecordTransaction(ctx context.Context, tx ledger.Transaction) error {
	return s.insert(ctx, &transactionRow{
		ID:          tx.ID,
		RunID:       tx.RunID,
		Tick:        tx.Tick,
		Seq:         tx.Seq,
		Asset:       tx.Asset,
		BuyerID:     tx.BuyerID,
		SellerID:    tx.SellerID,
		BuyOrderID:  tx.BuyOrderID,
		SellOrderID: tx.SellOrderID,
		Price:       int64(tx.Price),
		Qty:         tx.Qty,
		Timestamp:   tx.Timestamp,
	}, tx.ID)
}

func (s *SQLStore) RecordInteraction(ctx context.Context, ix ledger.Interaction) error {
	return s.insert(ctx, &interactionRow{
		ID:           ix.ID,
		RunID:        ix.RunID,
		Tick:         ix.Tick,
		Seq:          ix.Seq,
		Kind:         string(ix.Kind),
		Participant:  ix.Participant,
		Counterparty: ix.Counterparty,
		Asset:        ix.Asset,
		Action:       ix.Action,
		OrderID:      ix.OrderID,
		Price:        int64(ix.Price),
		Qty:          ix.Qty,
		Reason:       ix.Reason,
		Timestamp:    ix.Timestamp,
	}, ix.ID)
}

func (r transactionRow) toLedger() ledger.Transaction {
	return ledger.Transaction{
		ID:          r.ID,
		RunID:       r.RunID,
		Asset:       r.Asset,
		BuyerID:     r.BuyerID,
		SellerID:    r.SellerID,
		BuyOrderID:  r.BuyOrderID,
		SellOrderID: r.SellOrderID,
		Price:       market.Price(r.Price),
		Qty:         r.Qty,
		Tick:        r.Tick,
		Seq:         r.Seq,
		Timestamp:   r.Timestamp,
	}
}

func (s *SQLStore) TransactionsForRun(ctx context.Context, runID string) ([]ledger.Transaction, error) {
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("tick ASC, seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

func (s *SQLStore) InteractionsForRun(ctx context.Context, runID string) ([]ledger.Interaction, error) {
	var rows []interactionRow
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("tick ASC, seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Interaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, ledger.Interaction{
			ID:           r.ID,
			RunID:        r.RunID,
			Kind:         ledger.InteractionKind(r.Kind),
			Participant:  r.Participant,
			Counterparty: r.Counterparty,
			Asset:        r.Asset,
			Action:       r.Action,
			OrderID:      r.OrderID,
			Price:        market.Price(r.Price),
			Qty:          r.Qty,
			Reason:       r.Reason,
			Tick:         r.Tick,
			Seq:          r.Seq,
			Timestamp:    r.Timestamp,
		})
	}
	return out, nil
}

func (s *SQLStore) RecentTransactions(ctx context.Context, runID string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("tick DESC, seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Transaction, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toLedger()
	}
	return out, nil
}

func (s *SQLStore) Runs(ctx context.Context) ([]ledger.Run, error) {
	var rows []runRow
	if err := s.db.WithContext(ctx).Order("started_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Run, 0, len(rows))
	for _, r := range rows {
		run := ledger.Run{ID: r.ID, StartedAt: r.StartedAt, Quote: r.Quote, Label: r.Label}
		if r.Assets != "" {
			run.Assets = strings.Split(r.Assets, ",")
		}
		out = append(out, run)
	}
	return out, nil
}

var _ ledger.Store = (*SQLStore)(nil)
