package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/virtstor/virtstor"
)

var (
	cfgFile string
	cfg     virtstor.Config
)

// loadConfig merges, lowest precedence first: built-in defaults, a config
// file, and VIRTSTOR_* environment variables (VIRTSTOR_REPO_ROOT,
// VIRTSTOR_LEASE_ADDRESS, ...). Flags of individual commands sit on top.
func loadConfig() error {
	defaults := virtstor.DefaultConfig()
	viper.SetDefault("repo_root", defaults.RepoRoot)
	viper.SetDefault("lease_address", defaults.LeaseAddress)
	viper.SetDefault("lease_password", defaults.LeasePassword)
	viper.SetDefault("lease_ttl", defaults.LeaseTTL)
	viper.SetDefault("lease_wait", defaults.LeaseWait)
	viper.SetDefault("lock_timeout", defaults.LockTimeout)
	viper.SetDefault("extend_overhead_ratio", defaults.ExtendOverheadRatio)
	viper.SetDefault("chunk_size", defaults.ChunkSize)
	viper.SetDefault("qemu_img_path", defaults.QemuImgPath)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("virtstorctl")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/virtstor")
	}

	viper.SetEnvPrefix("VIRTSTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
		// No config file is fine, defaults and environment apply.
	}

	cfg = virtstor.Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}
