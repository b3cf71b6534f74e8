package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/lockbox"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/persist"
)

const envPrefix = "LOCKBOX"

var (
	cfgFile     string
	vaultSvc    lockbox.VaultService
	auditLogger audit.Logger
	logger      zerolog.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "A passphrase-protected key-value vault",
	Long: `lockbox keeps a small set of secrets in a single document on local disk.

The document is plaintext until a passphrase is set, then it is sealed with
XChaCha20-Poly1305 under a scrypt-derived key. One-time backup codes recover a
lost passphrase, and timestamped exports are written and pruned on a schedule.`,
	SilenceUsage:       true,
	SilenceErrors:      true,
	PersistentPreRunE:  initializeVault,
	PersistentPostRunE: closeVault,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cmd, err := rootCmd.ExecuteC()
	if err != nil {
		if vaultSvc != nil {
			auditCmdComplete(cmd, err)
			_ = vaultSvc.Close()
		}
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.lockbox.yaml)")
	flags.StringP("vault-path", "p", "", "directory holding the vault files")
	flags.String("passphrase", "", "vault passphrase (or use LOCKBOX_PASSPHRASE env var)")
	flags.String("env-passphrase-var", "", "environment variable read for the passphrase")
	flags.Int("min-passphrase-length", 0, "minimum length of new passphrases")
	flags.Bool("memory-lock", false, "lock process memory to keep secrets out of swap")
	flags.String("log-level", "", "operational log level (debug, info, warn, error)")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.passphrase", "passphrase")
	bindFlagOrPanic("vault.env_passphrase_var", "env-passphrase-var")
	bindFlagOrPanic("vault.min_passphrase_length", "min-passphrase-length")
	bindFlagOrPanic("vault.memory_lock", "memory-lock")
	bindFlagOrPanic("log.level", "log-level")
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", cobra.FixedCompletions(
		[]string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp))

	// Audit flags
	flags.Bool("audit", false, "enable audit logging")
	flags.String("audit-type", "", "audit logger type (file, syslog)")
	flags.String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// Off-site export mirror
	flags.String("s3-endpoint", "", "S3 endpoint for mirrored exports")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-bucket", "", "S3 bucket name; mirroring is off when empty")
	flags.String("s3-prefix", "", "S3 key prefix")
	flags.String("s3-access-key", "", "S3 access key ID")
	flags.String("s3-secret-key", "", "S3 secret access key")
	flags.Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("export.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("export.s3.region", "s3-region")
	bindFlagOrPanic("export.s3.bucket", "s3-bucket")
	bindFlagOrPanic("export.s3.prefix", "s3-prefix")
	bindFlagOrPanic("export.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("export.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("export.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/lockbox")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".lockbox")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", ".lockbox")
	viper.SetDefault("vault.env_passphrase_var", envPrefix+"_PASSPHRASE")
	viper.SetDefault("vault.min_passphrase_length", 8)
	viper.SetDefault("vault.memory_lock", false)

	viper.SetDefault("export.enabled", false)
	viper.SetDefault("export.interval_hours", 24)
	viper.SetDefault("export.retention_count", 7)
	viper.SetDefault("export.dir", "")
	viper.SetDefault("export.s3.region", "us-east-1")
	viper.SetDefault("export.s3.prefix", "lockbox")
	viper.SetDefault("export.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	// resolved relative to vault.path in initializeVault
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("log.level", "warn")
}

// skipsVault reports whether cmd runs without opening the vault.
func skipsVault(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "version":
			return true
		}
	}
	return false
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if skipsVault(cmd) {
		return nil
	}

	logger = newLogger(viper.GetString("log.level"))

	vaultPath := viper.GetString("vault.path")
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(vaultPath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	remote, err := createRemoteExportStore()
	if err != nil {
		return fmt.Errorf("failed to configure export mirror: %w", err)
	}

	options := vaultOptions(&logger)
	options.RemoteExports = remote

	vaultSvc, err = lockbox.New(options, auditLogger)
	if err != nil {
		_ = auditLogger.Close()
		return fmt.Errorf("failed to open vault at %s: %w", vaultPath, err)
	}

	auditCmdStart(cmd, args)
	return nil
}

// vaultOptions maps the vault and export config keys onto lockbox.Options.
func vaultOptions(l *zerolog.Logger) lockbox.Options {
	return lockbox.Options{
		BasePath:            viper.GetString("vault.path"),
		Passphrase:          viper.GetString("vault.passphrase"),
		EnvPassphraseVar:    viper.GetString("vault.env_passphrase_var"),
		MinPassphraseLength: viper.GetInt("vault.min_passphrase_length"),
		EnableMemoryLock:    viper.GetBool("vault.memory_lock"),
		Export: lockbox.ExportConfig{
			Enabled:        viper.GetBool("export.enabled"),
			IntervalHours:  viper.GetInt("export.interval_hours"),
			RetentionCount: viper.GetInt("export.retention_count"),
			Dir:            viper.GetString("export.dir"),
		},
		Logger: l,
	}
}

func closeVault(cmd *cobra.Command, args []string) error {
	if vaultSvc == nil {
		return nil
	}
	auditCmdComplete(cmd, nil)
	err := vaultSvc.Close()
	vaultSvc = nil
	return err
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
		Source:   getHostname(),
	})
}

// createRemoteExportStore returns nil when no S3 bucket is configured.
func createRemoteExportStore() (persist.ExportStore, error) {
	s3Config := persist.S3Config{
		Endpoint:        viper.GetString("export.s3.endpoint"),
		AccessKeyID:     viper.GetString("export.s3.access_key_id"),
		SecretAccessKey: viper.GetString("export.s3.secret_access_key"),
		Bucket:          viper.GetString("export.s3.bucket"),
		KeyPrefix:       viper.GetString("export.s3.prefix"),
		UseSSL:          viper.GetBool("export.s3.use_ssl"),
		Region:          viper.GetString("export.s3.region"),
	}
	if s3Config.Bucket == "" {
		return nil, nil
	}

	if err := validateS3Config(s3Config); err != nil {
		return nil, fmt.Errorf("invalid S3 configuration: %w", err)
	}

	store, err := persist.NewS3ExportStore(s3Config)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "export.s3.endpoint")
	}
	if config.Region == "" {
		missing = append(missing, "export.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "export.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "export.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token", "code"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		// scratch images have no /etc/passwd
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.NewString()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) {
	err := auditLogger.Log("COMMAND_START", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"flags":      sanitizeFlags(cmd),
		"args":       len(args),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("audit logging failed")
	}
}

func auditCmdComplete(cmd *cobra.Command, err error) {
	if auditLogger == nil || cliContext == nil {
		return
	}
	metadata := map[string]interface{}{
		"command":     cmd.CommandPath(),
		"duration_ms": time.Since(cliContext.StartTime).Milliseconds(),
		"user_id":     cliContext.UserID,
		"session_id":  cliContext.SessionID,
	}
	if err != nil {
		metadata[audit.MetaError] = formatError(err)
	}
	if logErr := auditLogger.Log("COMMAND_COMPLETE", err == nil, metadata); logErr != nil {
		logger.Error().Err(logErr).Msg("audit logging failed")
	}
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		messages = append(messages, e.Error())
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	if hint := errorHint(err); hint != "" {
		return fmt.Sprintf("Error: %s\nHint: %s", message, hint)
	}
	return fmt.Sprintf("Error: %s", message)
}

// errorHint suggests the next step for the errors an operator can act on.
func errorHint(err error) string {
	switch {
	case errors.Is(err, lockbox.ErrNoPassphrase):
		return "set the passphrase with --passphrase or " + envPrefix + "_PASSPHRASE, or recover it with 'lockbox backup use'"
	case errors.Is(err, lockbox.ErrDecryption):
		return "the passphrase does not open this vault"
	case errors.Is(err, lockbox.ErrRecoveryExhausted):
		return "codes can only be used once and are retired by a passphrase rotation"
	case errors.Is(err, lockbox.ErrNotInitialized):
		return "run 'lockbox init' first"
	}
	return ""
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}
