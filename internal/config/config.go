package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-dues-must-flow/internal/common"
	"github.com/Veraticus/the-dues-must-flow/internal/fee"
	"github.com/Veraticus/the-dues-must-flow/internal/model"
	"github.com/Veraticus/the-dues-must-flow/internal/plaid"
	"github.com/Veraticus/the-dues-must-flow/internal/reconcile"
	"github.com/Veraticus/the-dues-must-flow/internal/simplefin"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by viper.
const EnvPrefix = "DUES"

// DefaultDatabasePath is used when database.path is not configured.
const DefaultDatabasePath = "~/.local/share/dues/dues.db"

// Config is the typed application configuration.
type Config struct {
	Plaid     PlaidConfig     `mapstructure:"plaid"`
	SimpleFIN SimpleFINConfig `mapstructure:"simplefin"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FeesConfig configures the fee engine.
type FeesConfig struct {
	Property         string        `mapstructure:"property"`
	Description      string        `mapstructure:"description"`
	DefaultAccountID int64         `mapstructure:"default_account_id"`
	Checkpoint       bool          `mapstructure:"checkpoint"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
}

// LedgerConfig configures ledger maintenance commands.
type LedgerConfig struct {
	// ConfirmAfter is the age after which unconfirmed transactions are
	// confirmed by "ledger confirm-old".
	ConfirmAfter time.Duration `mapstructure:"confirm_after"`
}

// ReconcileConfig configures statement matching.
type ReconcileConfig struct {
	Boilerplate        []string `mapstructure:"boilerplate"`
	StrictTeamMatching bool     `mapstructure:"strict_team_matching"`
}

// PlaidConfig configures the Plaid statement source.
type PlaidConfig struct {
	Accounts    map[string]string `mapstructure:"accounts"`
	ClientID    string            `mapstructure:"client_id"`
	Secret      string            `mapstructure:"secret"`
	Environment string            `mapstructure:"environment"`
	AccessToken string            `mapstructure:"access_token"`
}

// SimpleFINConfig configures the SimpleFIN statement source.
type SimpleFINConfig struct {
	Accounts  map[string]string `mapstructure:"accounts"`
	Token     string            `mapstructure:"token"`
	AccessURL string            `mapstructure:"access_url"`
	StateFile string            `mapstructure:"state_file"`
}

// Configure registers defaults and environment binding on v.
func Configure(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("fees.property", model.PropertyMembershipFee)
	v.SetDefault("fees.description", "Membership fee %s")
	v.SetDefault("fees.default_account_id", 0)
	v.SetDefault("fees.checkpoint", true)
	v.SetDefault("fees.run_timeout", 6*time.Hour)
	v.SetDefault("ledger.confirm_after", 14*24*time.Hour)
	v.SetDefault("reconcile.boilerplate", reconcile.DefaultBoilerplate)
	v.SetDefault("reconcile.strict_team_matching", false)
	v.SetDefault("plaid.environment", "sandbox")
	v.SetDefault("plaid.client_id", "")
	v.SetDefault("plaid.secret", "")
	v.SetDefault("plaid.access_token", "")
	v.SetDefault("simplefin.token", "")
	v.SetDefault("simplefin.access_url", "")
	v.SetDefault("simplefin.state_file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadDotEnv loads environment variables from path, or from ./.env when no
// path is given. A missing default file is not an error.
func LoadDotEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
		return nil
	}
	_ = godotenv.Load()
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	if cfg.SimpleFIN.StateFile != "" {
		cfg.SimpleFIN.StateFile = ExpandPath(cfg.SimpleFIN.StateFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path", common.ErrMissingConfig)
	}
	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Ledger.ConfirmAfter < 0 {
		return fmt.Errorf("%w: ledger.confirm_after must not be negative", common.ErrInvalidConfig)
	}
	if c.Fees.DefaultAccountID < 0 {
		return fmt.Errorf("%w: fees.default_account_id must not be negative", common.ErrInvalidConfig)
	}
	if c.Fees.RunTimeout < 0 {
		return fmt.Errorf("%w: fees.run_timeout must not be negative", common.ErrInvalidConfig)
	}
	if !strings.Contains(c.Fees.Description, "%s") {
		return fmt.Errorf("%w: fees.description must contain %%s", common.ErrInvalidConfig)
	}
	return nil
}

// FeeConfig returns the fee engine configuration.
func (c *Config) FeeConfig() fee.Config {
	return fee.Config{
		Property:         c.Fees.Property,
		Description:      c.Fees.Description,
		DefaultAccountID: c.Fees.DefaultAccountID,
		Checkpoint:       c.Fees.Checkpoint,
		RunTimeout:       c.Fees.RunTimeout,
	}
}

// ReconcileConfig returns the reconciliation configuration.
func (c *Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		Boilerplate:        c.Reconcile.Boilerplate,
		StrictTeamMatching: c.Reconcile.StrictTeamMatching,
	}
}

// PlaidConfig returns the Plaid client configuration.
func (c *Config) PlaidConfig() plaid.Config {
	return plaid.Config{
		Accounts:    c.Plaid.Accounts,
		ClientID:    c.Plaid.ClientID,
		Secret:      c.Plaid.Secret,
		Environment: c.Plaid.Environment,
		AccessToken: c.Plaid.AccessToken,
	}
}

// SimpleFINConfig returns the SimpleFIN client configuration.
func (c *Config) SimpleFINConfig() simplefin.Config {
	return simplefin.Config{
		Accounts:  c.SimpleFIN.Accounts,
		Token:     c.SimpleFIN.Token,
		AccessURL: c.SimpleFIN.AccessURL,
		StateFile: c.SimpleFIN.StateFile,
	}
}
