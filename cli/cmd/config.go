package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	configForce    bool
	configGlobal   bool
	configTemplate string
	configFormat   string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage lockbox configuration",
	Long: `Manage the lockbox configuration file.

Values resolve from flags, then LOCKBOX_* environment variables, then the config
file, then defaults. set and unset edit only the keys they name, so values that came
from the environment (such as LOCKBOX_PASSPHRASE) are never copied into the file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a key in the config file, e.g. export.retention_count 14",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of a key and where it came from",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a key from the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file from a template (default, minimal, full)",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the effective configuration against the vault's rules",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the known keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printConfigKeysTable(getConfigKeyDescriptions())
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show which config file and vault directory are in use",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configGetCmd, configUnsetCmd,
		configInitCmd, configValidateCmd, configListCmd, configPathCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")

	configSetCmd.Flags().BoolVar(&configForce, "force", false, "accept keys lockbox does not know")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "template (default, minimal, full)")

	for _, c := range []*cobra.Command{configSetCmd, configUnsetCmd, configInitCmd} {
		c.Flags().BoolVar(&configGlobal, "global", false, "use /etc/lockbox instead of the user config file")
	}
}

func runConfigView(cmd *cobra.Command, args []string) error {
	printers := map[string]func() error{
		"yaml":  printConfigYAML,
		"json":  printConfigJSON,
		"table": printConfigTable,
	}
	printer, ok := printers[configFormat]
	if !ok {
		return fmt.Errorf("unsupported format %q (yaml, json, table)", configFormat)
	}
	return printer()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], convertValue(args[1])

	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	// check the effective configuration with the new value before touching the file
	viper.Set(key, value)
	if errs := validateConfiguration(); len(errs) > 0 {
		return fmt.Errorf("invalid value for %s: %s", key, errs[0])
	}

	configFile := getConfigFilePath(configGlobal)
	err := updateConfigFile(configFile, func(settings map[string]interface{}) error {
		setNestedKey(settings, key, value)
		return nil
	})
	if err != nil {
		return err
	}

	shown := value
	if isSensitiveConfigKey(key) {
		shown = "[REDACTED]"
	}
	fmt.Printf("Set %s = %v in %s\n", key, shown, configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, value)

	source := "default"
	switch {
	case os.Getenv(envVarFor(key)) != "":
		source = "environment (" + envVarFor(key) + ")"
	case viper.InConfig(key):
		source = viper.ConfigFileUsed()
	}
	fmt.Printf("Source: %s\n", source)
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]
	configFile := getConfigFilePath(configGlobal)

	if !fileExists(configFile) {
		return fmt.Errorf("no config file at %s", configFile)
	}
	err := updateConfigFile(configFile, func(settings map[string]interface{}) error {
		return unsetNestedKey(settings, key)
	})
	if err != nil {
		return fmt.Errorf("failed to unset %s: %w", key, err)
	}

	fmt.Printf("Removed %s from %s\n", key, configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath(configGlobal)
	if fileExists(configFile) && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	if err := writeConfigFile(configFile, getConfigTemplate(configTemplate)); err != nil {
		return err
	}
	fmt.Printf("Created %s from the %s template\n", configFile, configTemplate)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	errs := validateConfiguration()
	if len(errs) == 0 {
		fmt.Println("✓ Configuration is valid")
		return nil
	}

	fmt.Println("✗ Configuration validation failed:")
	for _, err := range errs {
		fmt.Printf("  - %s\n", err)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(errs))
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	used := viper.ConfigFileUsed()
	if used == "" {
		used = "(none, using defaults and environment)"
	}
	fmt.Printf("Config file: %s\n", used)
	fmt.Printf("Write target: %s\n", getConfigFilePath(false))
	fmt.Printf("Vault directory: %s\n", viper.GetString("vault.path"))
	return nil
}

// envVarFor maps a dotted key to the environment variable viper reads for it.
func envVarFor(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// updateConfigFile applies fn to the keys stored in path and writes them back.
// A missing file starts empty.
func updateConfigFile(path string, fn func(settings map[string]interface{}) error) error {
	settings, err := readConfigFile(path)
	if err != nil {
		return err
	}
	if err = fn(settings); err != nil {
		return err
	}
	return writeConfigFile(path, settings)
}

func readConfigFile(path string) (map[string]interface{}, error) {
	settings := make(map[string]interface{})

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err = yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return settings, nil
}

func writeConfigFile(path string, settings map[string]interface{}) error {
	if err := ensureConfigDir(path); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// the file may hold S3 credentials or a passphrase
	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setNestedKey stores value under a dotted key, replacing any scalar in the way.
func setNestedKey(settings map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := settings
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
