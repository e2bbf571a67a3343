// Package config assembles the miner configuration from flags, MINER_ environment
// variables and an optional config file, then validates it.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/devfund"
	"git.gammaspectra.live/P2Pool/kaspa-miner/nonce"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MINER"

const (
	MainnetPort = 16110
	TestnetPort = 16211
)

type Config struct {
	MiningAddress string `mapstructure:"mining-address" validate:"required,address"`
	KaspadAddress string `mapstructure:"kaspad-address" validate:"required"`
	// Port is applied to kaspad addresses without one, zero picks the network default.
	Port    uint16 `mapstructure:"port"`
	Testnet bool   `mapstructure:"testnet"`

	Stratum string `mapstructure:"stratum"`
	Zmq     string `mapstructure:"zmq"`

	MineWhenNotSynced bool          `mapstructure:"mine-when-not-synced"`
	PollInterval      time.Duration `mapstructure:"poll-interval" validate:"gt=0"`

	DevfundPercent string `mapstructure:"devfund-percent" validate:"devfund"`
	DevfundAddress string `mapstructure:"devfund-address" validate:"omitempty,address"`

	Backends         []string `mapstructure:"backends" validate:"dive,required,lowercase"`
	Threads          int      `mapstructure:"threads" validate:"gte=0"`
	Affinity         bool     `mapstructure:"affinity"`
	Lanes            int      `mapstructure:"lanes" validate:"gte=0"`
	Workload         float64  `mapstructure:"workload" validate:"gt=0"`
	WorkloadAbsolute bool     `mapstructure:"workload-absolute"`
	NonceGen         string   `mapstructure:"nonce-gen" validate:"oneof=lean xoshiro"`

	HungFactor      float64       `mapstructure:"hung-factor" validate:"gte=1"`
	MinRoundTimeout time.Duration `mapstructure:"min-round-timeout" validate:"gt=0"`
	RetireWindow    time.Duration `mapstructure:"retire-window" validate:"gt=0"`

	StatsListen   string        `mapstructure:"stats-listen" validate:"omitempty,hostname_port"`
	StatsInterval time.Duration `mapstructure:"stats-interval" validate:"gt=0"`
	Redis         string        `mapstructure:"redis" validate:"omitempty,hostname_port"`
	RedisPrefix   string        `mapstructure:"redis-prefix"`

	LogLevel string `mapstructure:"log-level" validate:"oneof=error info notice warn debug"`
	Debug    bool   `mapstructure:"debug"`
	LogFile  string `mapstructure:"log-file"`
}

// Flags registers every option on fs, with the short forms of the original command line.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("mining-address", "a", "", "The Kaspa address for the miner reward")
	fs.StringP("kaspad-address", "s", "127.0.0.1", "The IP of the kaspad instance, comma separated for fallback")
	fs.Uint16P("port", "p", 0, "Kaspad port, default mainnet 16110, testnet 16211")
	fs.Bool("testnet", false, "Use testnet instead of mainnet")

	fs.String("stratum", "", "Mine on a stratum pool instead of kaspad, e.g. stratum+tcp://pool:5555")
	fs.String("zmq", "", "ZeroMQ endpoint of kaspad block notifications, e.g. tcp://127.0.0.1:28332")

	fs.Bool("mine-when-not-synced", false, "Mine even when kaspad says it is not synced")
	fs.Duration("poll-interval", time.Second, "Template refresh interval")

	fs.String("devfund-percent", "2", "The percentage of blocks to send to the devfund, XX.YY")
	fs.String("devfund-address", "", "Devfund address, empty uses the builtin one")

	fs.StringSlice("backends", []string{"cpu"}, "Whitelisted compute backends")
	fs.IntP("threads", "t", 0, "Amount of CPU miner threads to launch, 0 means all cores")
	fs.Bool("affinity", false, "Pin each CPU miner thread to a core")
	fs.Int("lanes", 1, "Goroutines hashing each round of one CPU miner thread, pinning needs 1")
	fs.Float64("workload", 1, "Ratio of the base workload per round, or a nonce count with --workload-absolute")
	fs.Bool("workload-absolute", false, "Read --workload as an absolute nonce count")
	fs.String("nonce-gen", "lean", "Nonce generator: lean or xoshiro")

	fs.Float64("hung-factor", 10, "A round taking this many times the average is considered hung")
	fs.Duration("min-round-timeout", 5*time.Second, "Lowest hung round deadline")
	fs.Duration("retire-window", 30*time.Second, "A second fault within this window retires the worker")

	fs.String("stats-listen", "", "Listen address of the stats API and metrics, e.g. 127.0.0.1:9090")
	fs.Duration("stats-interval", 10*time.Second, "Hash rate log interval")
	fs.String("redis", "", "Redis address to export stats to")
	fs.String("redis-prefix", "miner", "Redis key prefix")

	fs.String("config", "", "Config file, TOML, YAML or JSON by extension")
	fs.String("log-level", "notice", "Log level: error, info, notice or debug")
	fs.BoolP("debug", "d", false, "Enable debug logging level")
	fs.String("log-file", "", "Write logs to this file")
}

// Load reads fs, the environment and the file named by the "config" flag, when set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("devfund", func(fl validator.FieldLevel) bool {
		_, err := devfund.ParsePercent(fl.Field().String())
		return err == nil
	})
	// addresses are network prefixed, e.g. kaspa:qr... or kaspatest:qr...
	_ = v.RegisterValidation("address", func(fl validator.FieldLevel) bool {
		network, payload, ok := strings.Cut(fl.Field().String(), ":")
		return ok && network != "" && payload != ""
	})
	return v
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return err
		}
		messages := make([]string, 0, len(fieldErrors))
		for _, e := range fieldErrors {
			messages = append(messages, fmt.Sprintf("%s: failed %s", e.Namespace(), e.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(messages, ", "))
	}
	return nil
}

func (c *Config) DefaultPort() uint16 {
	if c.Port != 0 {
		return c.Port
	}
	if c.Testnet {
		return TestnetPort
	}
	return MainnetPort
}

// NodeAddresses is the kaspad address list with the port applied to entries lacking one.
func (c *Config) NodeAddresses() string {
	port := strconv.Itoa(int(c.DefaultPort()))
	var addresses []string
	for _, addr := range strings.Split(c.KaspadAddress, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		scheme, host, ok := strings.Cut(addr, "://")
		if !ok {
			scheme, host = "", addr
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(strings.Trim(host, "[]"), port)
		}
		if scheme != "" {
			host = scheme + "://" + host
		}
		addresses = append(addresses, host)
	}
	return strings.Join(addresses, ",")
}

// Devfund returns the devfund policy, disabled when the mining address is on another network.
func (c *Config) Devfund() (devfund.Policy, error) {
	percent, err := devfund.ParsePercent(c.DevfundPercent)
	if err != nil {
		return devfund.Policy{}, err
	}
	policy := devfund.NewPolicy(c.DevfundAddress, percent)
	policy.Disable(c.MiningAddress)
	return policy, nil
}

func (c *Config) NonceMode() (nonce.Mode, error) {
	return nonce.ParseMode(c.NonceGen)
}

func (c *Config) WorkloadMode() nonce.WorkloadMode {
	if c.WorkloadAbsolute {
		return nonce.WorkloadAbsolute
	}
	return nonce.WorkloadRatio
}
