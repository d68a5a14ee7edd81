package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

// New opens the database and brings the schema up to date. PostgreSQL URLs
// connect directly; anything else is treated as a SQLite path.
func New(databaseURL string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer; a larger pool just causes
		// SQLITE_BUSY under concurrent cycles.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		log.Info().Str("path", path).Msg("Database initialized (SQLite)")
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Pair operations

func (d *Database) GetPair(id int64) (*TradingPair, error) {
	var pair TradingPair
	err := d.db.First(&pair, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func (d *Database) ListPairs() ([]TradingPair, error) {
	var pairs []TradingPair
	err := d.db.Order("id").Find(&pairs).Error
	return pairs, err
}

func (d *Database) GetEnabledPairs() ([]TradingPair, error) {
	var pairs []TradingPair
	err := d.db.Where("is_enabled = ?", true).Order("id").Find(&pairs).Error
	return pairs, err
}

func (d *Database) SavePair(pair *TradingPair) error {
	return d.db.Save(pair).Error
}

func (d *Database) UpdatePairEquity(pairID int64, equity decimal.Decimal) error {
	return d.db.Model(&TradingPair{}).Where("id = ?", pairID).
		Updates(map[string]interface{}{"current_equity": equity, "updated_at": time.Now().UTC()}).Error
}

// SetAllPairsEnabled flips is_enabled on every pair currently in the opposite
// state and returns how many rows changed.
func (d *Database) SetAllPairsEnabled(enabled bool) (int64, error) {
	res := d.db.Model(&TradingPair{}).Where("is_enabled = ?", !enabled).
		Updates(map[string]interface{}{"is_enabled": enabled, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// Open position operations

// GetOpenPosition returns the pair's live position, or nil when there is none.
func (d *Database) GetOpenPosition(pairID int64) (*OpenPosition, error) {
	var pos OpenPosition
	err := d.db.First(&pos, "pair_id = ?", pairID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (d *Database) ListOpenPositions() ([]OpenPosition, error) {
	var positions []OpenPosition
	err := d.db.Order("pair_id").Find(&positions).Error
	return positions, err
}

func (d *Database) CreateOpenPosition(pos *OpenPosition) error {
	return d.db.Create(pos).Error
}

func (d *Database) DeleteOpenPosition(id int64) error {
	return d.db.Delete(&OpenPosition{}, id).Error
}

// Trade operations
//
// Trades and equity snapshots are written only inside FinalizeClose; there is
// no standalone create, so a close can never be recorded half-way.

func (d *Database) GetRecentTrades(limit int) ([]Trade, error) {
	var trades []Trade
	err := d.db.Order("exit_time DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

func (d *Database) GetPairPNL(pairID int64) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Trade{}).Where("pair_id = ?", pairID).
		Select("COALESCE(SUM(pnl), 0) as total").Scan(&result).Error
	return result.Total, err
}

// FinalizeClose persists a position close atomically: the trade record, the
// pair's new equity, an equity snapshot, and the position delete either all
// land or none do.
func (d *Database) FinalizeClose(pairID int64, positionID int64, newEquity decimal.Decimal, trade *Trade, snap *EquitySnapshot) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		if err := tx.Model(&TradingPair{}).Where("id = ?", pairID).
			Updates(map[string]interface{}{"current_equity": newEquity, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}
		if err := tx.Create(snap).Error; err != nil {
			return err
		}
		return tx.Delete(&OpenPosition{}, positionID).Error
	})
}

// Job log operations

func (d *Database) SaveJobLog(entry *JobLog) error {
	return d.db.Create(entry).Error
}

func (d *Database) GetRecentJobLogs(pairID int64, limit int) ([]JobLog, error) {
	var logs []JobLog
	q := d.db.Order("timestamp DESC").Limit(limit)
	if pairID > 0 {
		q = q.Where("pair_id = ?", pairID)
	}
	err := q.Find(&logs).Error
	return logs, err
}

// Credential operations

// GetActiveCredential returns the newest active credential, or nil when no
// credential is configured.
func (d *Database) GetActiveCredential() (*Credential, error) {
	var cred Credential
	err := d.db.Where("is_active = ?", true).Order("id DESC").First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cred.Host == "" {
		cred.Host = DefaultHost
	}
	return &cred, nil
}

// SaveCredential stores a new credential and deactivates all previous ones in
// the same transaction, keeping exactly one active.
func (d *Database) SaveCredential(cred *Credential) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Credential{}).Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		cred.IsActive = true
		return tx.Create(cred).Error
	})
}

// User operations

func (d *Database) CreateUser(user *User) error {
	return d.db.Create(user).Error
}

func (d *Database) GetUserByUsername(username string) (*User, error) {
	var user User
	err := d.db.First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Stats operations

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var pairCount int64
	d.db.Model(&TradingPair{}).Count(&pairCount)
	stats["total_pairs"] = pairCount

	var enabledCount int64
	d.db.Model(&TradingPair{}).Where("is_enabled = ?", true).Count(&enabledCount)
	stats["enabled_pairs"] = enabledCount

	var positionCount int64
	d.db.Model(&OpenPosition{}).Count(&positionCount)
	stats["open_positions"] = positionCount

	var tradeCount int64
	d.db.Model(&Trade{}).Count(&tradeCount)
	stats["total_trades"] = tradeCount

	var pnlResult struct {
		Total decimal.Decimal
	}
	d.db.Model(&Trade{}).Select("COALESCE(SUM(pnl), 0) as total").Scan(&pnlResult)
	stats["total_pnl"] = pnlResult.Total

	return stats, nil
}
