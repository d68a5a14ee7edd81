package database

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// migrate brings the schema up to date. The legacy column rename must run
// before AutoMigrate, otherwise AutoMigrate adds the new column first and the
// old data is stranded.
func (d *Database) migrate() error {
	m := d.db.Migrator()

	if m.HasTable(&TradingPair{}) &&
		m.HasColumn(&TradingPair{}, "position_size") &&
		!m.HasColumn(&TradingPair{}, "position_size_pct") {
		log.Info().Msg("Migrating: renaming position_size -> position_size_pct")
		if err := m.RenameColumn(&TradingPair{}, "position_size", "position_size_pct"); err != nil {
			return fmt.Errorf("rename position_size: %w", err)
		}
	}

	if err := d.db.AutoMigrate(
		&TradingPair{},
		&OpenPosition{},
		&Trade{},
		&EquitySnapshot{},
		&JobLog{},
		&Credential{},
		&User{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	// Databases created before the model carried the unique index tag.
	if !m.HasIndex(&OpenPosition{}, "ix_open_position_pair_id_unique") {
		if err := d.db.Exec(
			"CREATE UNIQUE INDEX IF NOT EXISTS ix_open_position_pair_id_unique ON open_positions (pair_id)",
		).Error; err != nil {
			return fmt.Errorf("create open_positions unique index: %w", err)
		}
	}

	return nil
}
