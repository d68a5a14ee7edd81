package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobLog status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusWarning = "warning"
)

// Trade exit reasons.
const (
	ExitReasonSignal    = "signal"
	ExitReasonStopLoss  = "stop_loss"
	ExitReasonStopZ     = "stop_z"
	ExitReasonEmergency = "emergency_stop"
	ExitReasonManual    = "manual"
)

// DefaultHost is the exchange endpoint used when a credential has none.
const DefaultHost = "https://mainnet.zklighter.elliot.ai"

// TradingPair is the per-pair strategy configuration plus its running equity.
type TradingPair struct {
	ID     int64  `gorm:"primaryKey;autoIncrement"`
	Name   string `gorm:"uniqueIndex"`
	AssetA string
	AssetB string
	// Exchange market indices for each leg.
	MarketA int `gorm:"default:0"`
	MarketB int `gorm:"default:0"`

	// Z-score thresholds. Convention stop_z > entry_z > exit_z, not enforced.
	EntryZ float64 `gorm:"default:2.0"`
	ExitZ  float64 `gorm:"default:0.5"`
	StopZ  float64 `gorm:"default:4.0"`

	WindowInterval string `gorm:"default:4h"`
	WindowCandles  int    `gorm:"default:40"`
	TrainInterval  string `gorm:"default:4h"`
	TrainCandles   int    `gorm:"default:100"`

	// Regime filters. Zero max half-life disables the filter; RSI bounds of
	// (0,100) disable the RSI gate.
	MaxHalfLife float64 `gorm:"default:50"`
	RSILower    float64 `gorm:"column:rsi_lower;default:20"`
	RSIUpper    float64 `gorm:"column:rsi_upper;default:70"`
	RSIPeriod   int     `gorm:"column:rsi_period;default:14"`

	StopLossPct     float64 `gorm:"default:10"`
	PositionSizePct float64 `gorm:"default:50"`
	TxCostBps       float64 `gorm:"default:0"`
	Leverage        float64 `gorm:"default:5"`
	MinEquityPct    float64 `gorm:"default:40"`
	TwapMinutes     int     `gorm:"default:0"`

	ScheduleInterval string `gorm:"default:15m"`
	IsEnabled        bool   `gorm:"default:false"`

	CurrentEquity decimal.Decimal `gorm:"type:decimal(20,2)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OpenPosition is the single live position for a pair. The unique index on
// pair_id is the at-most-one-position invariant.
type OpenPosition struct {
	ID     int64 `gorm:"primaryKey;autoIncrement"`
	PairID int64 `gorm:"uniqueIndex:ix_open_position_pair_id_unique"`
	// +1 = long A / short B (long spread), -1 = reverse.
	Direction int

	EntryZ          float64
	EntrySpread     float64
	EntryPriceA     decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPriceB     decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryHedgeRatio float64
	EntryNotional   decimal.Decimal `gorm:"type:decimal(20,2)"`
	EntryTime       time.Time

	OrderIDA string
	OrderIDB string

	CreatedAt time.Time
}

// Trade is an immutable closed-trade record.
type Trade struct {
	ID     int64 `gorm:"primaryKey;autoIncrement"`
	PairID int64 `gorm:"index"`
	// "Long A / Short B" or "Short A / Long B".
	Direction string

	EntryTime   time.Time
	ExitTime    time.Time
	EntryPriceA decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPriceB decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPriceA  decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPriceB  decimal.Decimal `gorm:"type:decimal(20,8)"`
	SizeA       decimal.Decimal `gorm:"type:decimal(20,4)"`
	SizeB       decimal.Decimal `gorm:"type:decimal(20,4)"`
	HedgeRatio  float64

	PNL             decimal.Decimal `gorm:"column:pnl;type:decimal(20,2)"`
	PNLPct          decimal.Decimal `gorm:"column:pnl_pct;type:decimal(10,2)"`
	ExitReason      string
	DurationCandles int

	CreatedAt time.Time
}

// EquitySnapshot is an append-only equity curve point.
type EquitySnapshot struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	PairID      int64 `gorm:"index"`
	Timestamp   time.Time
	Equity      decimal.Decimal `gorm:"type:decimal(20,2)"`
	DrawdownPct decimal.Decimal `gorm:"type:decimal(10,2)"`
}

// JobLog records the outcome of one cycle (or reconciler event) for a pair.
// Signal columns are nullable: non-finite values are stored as NULL.
type JobLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	PairID    int64     `gorm:"index"`
	Timestamp time.Time `gorm:"index"`
	Status    string

	ZScore     *float64
	HedgeRatio *float64
	HalfLife   *float64
	RSI        *float64 `gorm:"column:rsi"`

	Action  string
	CloseA  *float64
	CloseB  *float64
	Message string

	// Opaque JSON blob: {candles, orders} for replay and postmortems.
	MarketData string `gorm:"type:text"`
}

// Credential holds the exchange API credential; the private key is stored
// only as ciphertext under the process encryption key.
type Credential struct {
	ID                  int64  `gorm:"primaryKey;autoIncrement"`
	Host                string // DefaultHost when empty
	APIKeyIndex         int    `gorm:"column:api_key_index;default:3"`
	AccountIndex        int64
	PrivateKeyEncrypted string
	IsActive            bool `gorm:"default:true"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// User is an operator account for the external admin surface.
type User struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Username       string `gorm:"uniqueIndex"`
	HashedPassword string
	TOTPSecret     string `gorm:"column:totp_secret"`
	IsActive       bool   `gorm:"default:true"`
	CreatedAt      time.Time
}
