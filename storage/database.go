package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Order, position and strategy persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// PostgreSQL when the DSN is a postgres:// URL, SQLite otherwise. Wei amounts
// are stored as base-10 strings so no driver has to hold 256-bit integers.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db      *gorm.DB
	enabled bool
}

// Models

type OrderRecord struct {
	ID           string `gorm:"primaryKey"`
	StrategyID   string `gorm:"index"`
	Token        string `gorm:"index"`
	Pair         string
	Path         datatypes.JSON
	DEX          string
	Wallet       string
	Side         string
	Status       string `gorm:"index"`
	Method       string
	AmountIn     string
	MinAmountOut string
	AmountOut    string
	MaxFee       string
	PriorityFee  string
	Nonce        uint64
	TxHash       string `gorm:"index"`
	TxHashes     datatypes.JSON
	BlockNumber  uint64
	LatencyMs    int64
	GasUsed      uint64
	GasPrice     string
	Attempts     int
	Deadline     time.Time
	Error        string
	Reason       string
	PositionID   string
	CreatedAt    time.Time
	SubmittedAt  time.Time
	FinalizedAt  time.Time
}

type PositionRecord struct {
	ID              string `gorm:"primaryKey"`
	Token           string `gorm:"index"`
	Pair            string
	Path            datatypes.JSON
	DEX             string
	Wallet          string
	StrategyID      string `gorm:"index"`
	EntryOrderID    string
	Quantity        string
	InitialQuantity string
	CostBasis       string
	TotalCost       string
	EntryPrice      decimal.Decimal `gorm:"type:numeric"`
	PeakPrice       decimal.Decimal `gorm:"type:numeric"`
	LastPrice       decimal.Decimal `gorm:"type:numeric"`
	Exit            datatypes.JSON
	TiersHit        datatypes.JSON
	Proceeds        string
	Fees            string
	RealizedPnL     decimal.Decimal `gorm:"type:numeric"`
	Status          string          `gorm:"index"`
	OpenedAt        time.Time
	ClosedAt        *time.Time
	UpdatedAt       time.Time
}

type StrategyRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Type      string
	Enabled   bool
	Config    datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checkpoint stores small resume markers such as the last confirmed block
type Checkpoint struct {
	Name      string `gorm:"primaryKey"`
	Value     uint64
	Data      datatypes.JSON
	UpdatedAt time.Time
}

var models = []any{&OrderRecord{}, &PositionRecord{}, &StrategyRecord{}, &Checkpoint{}}

// New opens the database at dsn; an empty dsn runs without persistence
func New(dsn string) (*Database, error) {
	if strings.TrimSpace(dsn) == "" {
		log.Warn().Msg("DATABASE_PATH not set, running without persistence")
		return &Database{enabled: false}, nil
	}

	var db *gorm.DB
	var err error
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers anyway; one connection keeps :memory: databases shared
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	return &Database{db: db, enabled: true}, nil
}

// IsEnabled reports whether persistence is active
func (d *Database) IsEnabled() bool {
	return d != nil && d.enabled
}

// Close releases the connection pool
func (d *Database) Close() error {
	if !d.IsEnabled() {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Counts returns the row count of every table
func (d *Database) Counts() (map[string]int64, error) {
	out := make(map[string]int64)
	if !d.IsEnabled() {
		return out, nil
	}
	for _, m := range models {
		stmt := &gorm.Statement{DB: d.db}
		if err := stmt.Parse(m); err != nil {
			return nil, err
		}
		var n int64
		if err := d.db.Model(m).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count %s: %w", stmt.Table, err)
		}
		out[stmt.Table] = n
	}
	return out, nil
}

// Reset drops and recreates every table
func (d *Database) Reset() error {
	if !d.IsEnabled() {
		return nil
	}
	if err := d.db.Migrator().DropTable(models...); err != nil {
		return err
	}
	return d.db.AutoMigrate(models...)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveOrder upserts an order
func (d *Database) SaveOrder(o *types.Order) error {
	if !d.IsEnabled() {
		return nil
	}
	rec, err := orderToRecord(o)
	if err != nil {
		return err
	}
	return d.db.Save(rec).Error
}

// RecentOrders returns the newest orders first
func (d *Database) RecentOrders(limit int) ([]*types.Order, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var recs []OrderRecord
	if err := d.db.Order("created_at DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Order, 0, len(recs))
	for i := range recs {
		o, err := recordToOrder(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// GetOrder loads one order
func (d *Database) GetOrder(id string) (*types.Order, error) {
	if !d.IsEnabled() {
		return nil, types.ErrNotFound
	}
	var rec OrderRecord
	if err := d.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return recordToOrder(&rec)
}

func orderToRecord(o *types.Order) (*OrderRecord, error) {
	path, err := json.Marshal(o.Path)
	if err != nil {
		return nil, err
	}
	hashes, err := json.Marshal(o.TxHashes)
	if err != nil {
		return nil, err
	}
	return &OrderRecord{
		ID:           o.ID,
		StrategyID:   o.StrategyID,
		Token:        o.Token.Hex(),
		Pair:         o.Pair.Hex(),
		Path:         datatypes.JSON(path),
		DEX:          o.DEX,
		Wallet:       o.Wallet.Hex(),
		Side:         string(o.Side),
		Status:       string(o.Status),
		Method:       string(o.Method),
		AmountIn:     dec(o.AmountIn),
		MinAmountOut: dec(o.MinAmountOut),
		AmountOut:    dec(o.AmountOut),
		MaxFee:       dec(o.MaxFee),
		PriorityFee:  dec(o.PriorityFee),
		Nonce:        o.Nonce,
		TxHash:       o.TxHash.Hex(),
		TxHashes:     datatypes.JSON(hashes),
		BlockNumber:  o.BlockNumber,
		LatencyMs:    o.Latency.Milliseconds(),
		GasUsed:      o.GasUsed,
		GasPrice:     dec(o.GasPrice),
		Attempts:     o.Attempts,
		Deadline:     o.Deadline,
		Error:        o.Error,
		Reason:       o.Reason,
		PositionID:   o.PositionID,
		CreatedAt:    o.CreatedAt,
		SubmittedAt:  o.SubmittedAt,
		FinalizedAt:  o.FinalizedAt,
	}, nil
}

func recordToOrder(r *OrderRecord) (*types.Order, error) {
	o := &types.Order{
		ID:          r.ID,
		StrategyID:  r.StrategyID,
		Token:       common.HexToAddress(r.Token),
		Pair:        common.HexToAddress(r.Pair),
		DEX:         r.DEX,
		Wallet:      common.HexToAddress(r.Wallet),
		Side:        types.Side(r.Side),
		Status:      types.OrderStatus(r.Status),
		Method:      types.ExecutionMethod(r.Method),
		Nonce:       r.Nonce,
		TxHash:      common.HexToHash(r.TxHash),
		BlockNumber: r.BlockNumber,
		Latency:     time.Duration(r.LatencyMs) * time.Millisecond,
		GasUsed:     r.GasUsed,
		Attempts:    r.Attempts,
		Deadline:    r.Deadline,
		Error:       r.Error,
		Reason:      r.Reason,
		PositionID:  r.PositionID,
		CreatedAt:   r.CreatedAt,
		SubmittedAt: r.SubmittedAt,
		FinalizedAt: r.FinalizedAt,
	}
	if err := unmarshalJSON(r.Path, &o.Path); err != nil {
		return nil, fmt.Errorf("order %s path: %w", r.ID, err)
	}
	if err := unmarshalJSON(r.TxHashes, &o.TxHashes); err != nil {
		return nil, fmt.Errorf("order %s hashes: %w", r.ID, err)
	}
	var err error
	for _, f := range []struct {
		dst **uint256.Int
		src string
	}{
		{&o.AmountIn, r.AmountIn},
		{&o.MinAmountOut, r.MinAmountOut},
		{&o.AmountOut, r.AmountOut},
		{&o.MaxFee, r.MaxFee},
		{&o.PriorityFee, r.PriorityFee},
		{&o.GasPrice, r.GasPrice},
	} {
		if *f.dst, err = parseDec(f.src); err != nil {
			return nil, fmt.Errorf("order %s: %w", r.ID, err)
		}
	}
	return o, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SavePosition upserts a position
func (d *Database) SavePosition(p *types.Position) error {
	if !d.IsEnabled() {
		return nil
	}
	rec, err := positionToRecord(p)
	if err != nil {
		return err
	}
	return d.db.Save(rec).Error
}

// OpenPositions returns every position not yet Closed
func (d *Database) OpenPositions() ([]*types.Position, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var recs []PositionRecord
	if err := d.db.Where("status <> ?", string(types.PositionClosed)).Order("opened_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(recs))
	for i := range recs {
		p, err := recordToPosition(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ClosedPositions returns up to limit positions, most recently closed first
func (d *Database) ClosedPositions(limit int) ([]*types.Position, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var recs []PositionRecord
	q := d.db.Where("status = ?", string(types.PositionClosed)).Order("closed_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(recs))
	for i := range recs {
		p, err := recordToPosition(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func positionToRecord(p *types.Position) (*PositionRecord, error) {
	path, err := json.Marshal(p.Path)
	if err != nil {
		return nil, err
	}
	exit, err := json.Marshal(p.Exit)
	if err != nil {
		return nil, err
	}
	tiers, err := json.Marshal(p.TiersHit)
	if err != nil {
		return nil, err
	}
	return &PositionRecord{
		ID:              p.ID,
		Token:           p.Token.Hex(),
		Pair:            p.Pair.Hex(),
		Path:            datatypes.JSON(path),
		DEX:             p.DEX,
		Wallet:          p.Wallet.Hex(),
		StrategyID:      p.StrategyID,
		EntryOrderID:    p.EntryOrderID,
		Quantity:        dec(p.Quantity),
		InitialQuantity: dec(p.InitialQuantity),
		CostBasis:       dec(p.CostBasis),
		TotalCost:       dec(p.TotalCost),
		EntryPrice:      p.EntryPrice,
		PeakPrice:       p.PeakPrice,
		LastPrice:       p.LastPrice,
		Exit:            datatypes.JSON(exit),
		TiersHit:        datatypes.JSON(tiers),
		Proceeds:        dec(p.Proceeds),
		Fees:            dec(p.Fees),
		RealizedPnL:     p.RealizedPnL,
		Status:          string(p.Status),
		OpenedAt:        p.OpenedAt,
		ClosedAt:        p.ClosedAt,
	}, nil
}

func recordToPosition(r *PositionRecord) (*types.Position, error) {
	p := &types.Position{
		ID:           r.ID,
		Token:        common.HexToAddress(r.Token),
		Pair:         common.HexToAddress(r.Pair),
		DEX:          r.DEX,
		Wallet:       common.HexToAddress(r.Wallet),
		StrategyID:   r.StrategyID,
		EntryOrderID: r.EntryOrderID,
		EntryPrice:   r.EntryPrice,
		PeakPrice:    r.PeakPrice,
		LastPrice:    r.LastPrice,
		RealizedPnL:  r.RealizedPnL,
		Status:       types.PositionStatus(r.Status),
		OpenedAt:     r.OpenedAt,
		ClosedAt:     r.ClosedAt,
	}
	if err := unmarshalJSON(r.Path, &p.Path); err != nil {
		return nil, fmt.Errorf("position %s path: %w", r.ID, err)
	}
	if err := unmarshalJSON(r.Exit, &p.Exit); err != nil {
		return nil, fmt.Errorf("position %s exit: %w", r.ID, err)
	}
	if err := unmarshalJSON(r.TiersHit, &p.TiersHit); err != nil {
		return nil, fmt.Errorf("position %s tiers: %w", r.ID, err)
	}
	var err error
	for _, f := range []struct {
		dst **uint256.Int
		src string
	}{
		{&p.Quantity, r.Quantity},
		{&p.InitialQuantity, r.InitialQuantity},
		{&p.CostBasis, r.CostBasis},
		{&p.TotalCost, r.TotalCost},
		{&p.Proceeds, r.Proceeds},
		{&p.Fees, r.Fees},
	} {
		if *f.dst, err = parseDec(f.src); err != nil {
			return nil, fmt.Errorf("position %s: %w", r.ID, err)
		}
	}
	return p, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGIES
// ═══════════════════════════════════════════════════════════════════════════════

// SaveStrategy upserts a strategy config
func (d *Database) SaveStrategy(c *types.StrategyConfig) error {
	if !d.IsEnabled() {
		return nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	rec := &StrategyRecord{
		ID:        c.ID,
		Name:      c.Name,
		Type:      string(c.Type),
		Enabled:   c.Enabled,
		Config:    datatypes.JSON(body),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	return d.db.Save(rec).Error
}

// LoadStrategies returns every persisted strategy
func (d *Database) LoadStrategies() ([]*types.StrategyConfig, error) {
	if !d.IsEnabled() {
		return nil, nil
	}
	var recs []StrategyRecord
	if err := d.db.Order("created_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*types.StrategyConfig, 0, len(recs))
	for _, r := range recs {
		var c types.StrategyConfig
		if err := json.Unmarshal(r.Config, &c); err != nil {
			log.Warn().Err(err).Str("id", r.ID).Msg("Skipping unreadable strategy")
			continue
		}
		c.Enabled = r.Enabled
		out = append(out, &c)
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHECKPOINTS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveCheckpoint stores a resume marker
func (d *Database) SaveCheckpoint(key string, value uint64) error {
	if !d.IsEnabled() {
		return nil
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Checkpoint{Name: key, Value: value, UpdatedAt: time.Now()}).Error
}

// LoadCheckpoint returns a resume marker, zero when absent
func (d *Database) LoadCheckpoint(key string) (uint64, error) {
	if !d.IsEnabled() {
		return 0, nil
	}
	var cp Checkpoint
	err := d.db.First(&cp, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return cp.Value, err
}

// SaveState stores a JSON snapshot under name
func (d *Database) SaveState(name string, v any) error {
	if !d.IsEnabled() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&Checkpoint{Name: name, Data: datatypes.JSON(b), UpdatedAt: time.Now()}).Error
}

// LoadState decodes the snapshot under name into out; false when absent
func (d *Database) LoadState(name string, out any) (bool, error) {
	if !d.IsEnabled() {
		return false, nil
	}
	var cp Checkpoint
	err := d.db.First(&cp, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && len(cp.Data) == 0) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, unmarshalJSON(cp.Data, out)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func dec(x *uint256.Int) string {
	if x == nil {
		return ""
	}
	return x.Dec()
}

func parseDec(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return uint256.FromDecimal(s)
}

func unmarshalJSON(b datatypes.JSON, out any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, out)
}
