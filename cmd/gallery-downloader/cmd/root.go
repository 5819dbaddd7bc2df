package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-gallery-download/internal/api"
	"go-gallery-download/internal/config"
	"go-gallery-download/internal/models"
)

var (
	cfgFile          string
	logApiFlag       bool
	masterFolderFlag string
	apiTimeoutFlag   int
	logLevel         string
	logFormat        string
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is the shared transport, wrapped for logging when enabled
var globalHttpTransport http.RoundTripper = http.DefaultTransport

var rootCmd = &cobra.Command{
	Use:   "gallery-downloader",
	Short: "Download media from subreddits, erome albums and 4chan threads",
	Long: `Gallery Downloader fetches the images and videos of a subreddit, an erome
album or a 4chan thread into a local folder, skipping what it already has.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		api.CloseAllLoggingTransports()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file path (default config.toml)")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&masterFolderFlag, "master-folder", "", "Directory to save downloads (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")

	_ = viper.BindEnv("reddit.client_id", "REDDIT_CLIENT_ID")
	_ = viper.BindEnv("reddit.client_secret", "REDDIT_CLIENT_SECRET")
	_ = viper.BindEnv("reddit.username", "REDDIT_USERNAME")
	_ = viper.BindEnv("reddit.password", "REDDIT_PASSWORD")
	_ = viper.BindEnv("reddit.user_agent", "REDDIT_USER_AGENT")
}

func setupLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// applyRedditEnv lets REDDIT_* environment variables override the [Reddit] table.
func applyRedditEnv(cfg *models.Config) {
	overrides := []struct {
		key    string
		target *string
	}{
		{"reddit.client_id", &cfg.Reddit.ClientID},
		{"reddit.client_secret", &cfg.Reddit.ClientSecret},
		{"reddit.username", &cfg.Reddit.Username},
		{"reddit.password", &cfg.Reddit.Password},
		{"reddit.user_agent", &cfg.Reddit.UserAgent},
	}
	for _, o := range overrides {
		if v := viper.GetString(o.key); v != "" {
			*o.target = v
		}
	}
}

// loadGlobalConfig loads the configuration, applies flag overrides and sets
// up the shared HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	setupLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyRedditEnv(&globalConfig)

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", logApiFlag)
	}

	if cmd.Flags().Changed("master-folder") {
		if masterFolderFlag != "" {
			globalConfig.MasterFolder = masterFolderFlag
			log.Debugf("Overriding MasterFolder based on --master-folder flag: %s", masterFolderFlag)
		} else {
			log.Warn("--master-folder flag provided but value is empty, ignoring.")
		}
	}

	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if _, statErr := os.Stat(globalConfig.MasterFolder); statErr == nil {
			logFilePath = filepath.Join(globalConfig.MasterFolder, logFilePath)
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

// resolvePath places relative store paths under the master folder.
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(globalConfig.MasterFolder, path)
}
