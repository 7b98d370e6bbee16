package signal

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"bot-engine/pkg/db"
)

// BotConfig represents a bot definition entry in YAML.
type BotConfig struct {
	ID       string `yaml:"id"`
	UserID   string `yaml:"user_id"`
	Name     string `yaml:"name"`
	Strategy string `yaml:"strategy"`
	Symbol   string `yaml:"symbol"`
	Mode     string `yaml:"mode"`
	Venue    string `yaml:"venue"`

	Risk struct {
		MaxPositionSize    float64 `yaml:"max_position_size"`
		PerTradeRisk       float64 `yaml:"per_trade_risk"`
		StopLoss           float64 `yaml:"stop_loss"`
		TakeProfit         float64 `yaml:"take_profit"`
		MaxDailyLoss       float64 `yaml:"max_daily_loss"`
		MaxTradesPerMinute int     `yaml:"max_trades_per_minute"`
	} `yaml:"risk"`

	Parameters map[string]any `yaml:"parameters"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Bots []BotConfig `yaml:"bots"`
}

// LoadConfig reads bot definitions from a YAML file.
func LoadConfig(path string) ([]BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	return file.Bots, nil
}

// SyncConfigToDB upserts bots from config into the database. Lifecycle state
// is never touched for existing rows; only configuration fields change.
func SyncConfigToDB(ctx context.Context, database *db.Database, configs []BotConfig) error {
	for _, cfg := range configs {
		if cfg.ID == "" || cfg.Symbol == "" {
			return fmt.Errorf("bot config %q missing id or symbol", cfg.Name)
		}
		mode := cfg.Mode
		if mode == "" {
			mode = "paper"
		}
		venue := cfg.Venue
		if venue == "" {
			venue = "paper"
		}

		_, err := database.DB.ExecContext(ctx, `
			INSERT INTO bots (
				id, user_id, name, strategy, symbol, mode, state, venue,
				max_position_size, per_trade_risk, stop_loss, take_profit,
				max_daily_loss, max_trades_per_minute
			) VALUES (?, ?, ?, ?, ?, ?, 'CREATED', ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				strategy = excluded.strategy,
				symbol = excluded.symbol,
				mode = excluded.mode,
				venue = excluded.venue,
				max_position_size = excluded.max_position_size,
				per_trade_risk = excluded.per_trade_risk,
				stop_loss = excluded.stop_loss,
				take_profit = excluded.take_profit,
				max_daily_loss = excluded.max_daily_loss,
				max_trades_per_minute = excluded.max_trades_per_minute,
				updated_at = CURRENT_TIMESTAMP
		`,
			cfg.ID, cfg.UserID, cfg.Name, cfg.Strategy, cfg.Symbol, mode, venue,
			cfg.Risk.MaxPositionSize, cfg.Risk.PerTradeRisk, cfg.Risk.StopLoss, cfg.Risk.TakeProfit,
			cfg.Risk.MaxDailyLoss, cfg.Risk.MaxTradesPerMinute,
		)
		if err != nil {
			return fmt.Errorf("upsert bot %s: %w", cfg.ID, err)
		}
	}
	return nil
}
