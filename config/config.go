package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/crypto_settlement/money"
)

type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`

	// JWTSecret verifies bearer tokens issued by the external auth service.
	JWTSecret string `mapstructure:"jwt_secret"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Prices   PricesConfig   `mapstructure:"prices"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	KeyStore KeyStoreConfig `mapstructure:"keystore"`
	Custody  CustodyConfig  `mapstructure:"custody"`
	Referral ReferralConfig `mapstructure:"referral"`
	Chains   []ChainConfig  `mapstructure:"chains"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PricesConfig struct {
	CoinGeckoURL string            `mapstructure:"coingecko_url"`
	APIKey       string            `mapstructure:"api_key"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	CacheTTL     time.Duration     `mapstructure:"cache_ttl"`
	Fixed        map[string]string `mapstructure:"fixed"` // price id -> USD price
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type KeyStoreConfig struct {
	PublicKeyPath  string `mapstructure:"public_key_path"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Mnemonic       string `mapstructure:"mnemonic"`
}

type CustodyConfig struct {
	// AdminOwnerID owns the admin wallet: withdrawal signer, gas funder and sweep target.
	AdminOwnerID string `mapstructure:"admin_owner_id"`
}

type ReferralConfig struct {
	Rates             []string      `mapstructure:"rates"` // percent per level
	FreezeWindow      time.Duration `mapstructure:"freeze_window"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	// CommissionRetryInterval paces the re-drive of purchases whose commissions did not all land.
	CommissionRetryInterval time.Duration `mapstructure:"commission_retry_interval"`
}

type ChainConfig struct {
	Name            string        `mapstructure:"name"`
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	LookbackBlocks  uint64        `mapstructure:"lookback_blocks"`
	DepositExpiry   time.Duration `mapstructure:"deposit_expiry"` // acknowledged deposits with no transfer fail after this
	RPCTimeout      time.Duration `mapstructure:"rpc_timeout"`
	MaxGasPriceGwei int64         `mapstructure:"max_gas_price_gwei"`
	WatchInterval   time.Duration `mapstructure:"watch_interval"`
	SendInterval    time.Duration `mapstructure:"send_interval"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("jwt_secret", "")

	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=settlement port=5432 sslmode=disable")
	v.SetDefault("database.max_idle_conns", 20)
	v.SetDefault("database.max_open_conns", 200)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("prices.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("prices.api_key", "")
	v.SetDefault("prices.timeout", 10*time.Second)
	v.SetDefault("prices.cache_ttl", time.Minute)
	v.SetDefault("prices.fixed", map[string]string{"tether": "1"})

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "settlement.events")

	v.SetDefault("keystore.public_key_path", "keys/public.pem")
	v.SetDefault("keystore.private_key_path", "keys/private.pem")
	v.SetDefault("keystore.mnemonic", "")

	v.SetDefault("custody.admin_owner_id", "")

	v.SetDefault("referral.rates", []string{"12", "3", "2"})
	v.SetDefault("referral.freeze_window", 48*time.Hour)
	v.SetDefault("referral.reconcile_interval", time.Minute)
	v.SetDefault("referral.commission_retry_interval", 5*time.Minute)
}

func chainDefaults(c *ChainConfig) {
	if c.Confirmations == 0 {
		c.Confirmations = 12
	}
	if c.LookbackBlocks == 0 {
		c.LookbackBlocks = 2000
	}
	if c.DepositExpiry == 0 {
		c.DepositExpiry = 24 * time.Hour
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 15 * time.Second
	}
	if c.MaxGasPriceGwei == 0 {
		c.MaxGasPriceGwei = 100
	}
	if c.WatchInterval == 0 {
		c.WatchInterval = 15 * time.Second
	}
	if c.SendInterval == 0 {
		c.SendInterval = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Minute
	}
}

// Load reads .env, an optional config file and the environment. An empty path looks for
// config.yaml in the working directory.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for i := range cfg.Chains {
		chainDefaults(&cfg.Chains[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("config: database.dsn is required")
	}
	if len(c.Referral.Rates) != 3 {
		return fmt.Errorf("config: referral.rates needs 3 levels, got %d", len(c.Referral.Rates))
	}
	if _, err := c.CommissionBasisPoints(); err != nil {
		return err
	}
	if c.Referral.FreezeWindow <= 0 {
		return errors.New("config: referral.freeze_window must be positive")
	}
	seen := map[string]bool{}
	for _, ch := range c.Chains {
		if ch.Name == "" || ch.RPCURL == "" {
			return errors.New("config: every chain needs name and rpc_url")
		}
		if seen[ch.Name] {
			return fmt.Errorf("config: duplicate chain %q", ch.Name)
		}
		seen[ch.Name] = true
	}
	return nil
}

// CommissionBasisPoints converts the configured level percentages to basis points.
func (c *Config) CommissionBasisPoints() ([3]int64, error) {
	var out [3]int64
	for i, r := range c.Referral.Rates {
		if i >= len(out) {
			break
		}
		bps, err := money.PercentToBasisPoints(r)
		if err != nil {
			return out, fmt.Errorf("config: referral.rates[%d]: %w", i, err)
		}
		out[i] = bps
	}
	return out, nil
}
