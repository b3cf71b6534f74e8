package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/lockbox/.lockbox.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lockbox.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"vault.path":                  "Directory holding vault.json / vault.enc / vault.recovery",
		"vault.passphrase":            "Vault passphrase (prefer the environment variable)",
		"vault.env_passphrase_var":    "Environment variable read for the passphrase",
		"vault.min_passphrase_length": "Minimum length of new passphrases (at least 8)",
		"vault.memory_lock":           "Lock process memory to keep secrets out of swap",
		"export.enabled":              "Run scheduled exports in 'export run'",
		"export.interval_hours":       "Hours between scheduled exports (1-720)",
		"export.retention_count":      "Exports kept per format (1-365)",
		"export.dir":                  "Export directory (default <vault.path>/exports)",
		"export.s3.endpoint":          "S3 endpoint for mirrored exports",
		"export.s3.region":            "S3 region",
		"export.s3.bucket":            "S3 bucket; mirroring is off when empty",
		"export.s3.prefix":            "S3 key prefix",
		"export.s3.access_key_id":     "S3 access key ID",
		"export.s3.secret_access_key": "S3 secret access key",
		"export.s3.use_ssl":           "Use SSL for S3 connections",
		"audit.enabled":               "Enable audit logging",
		"audit.type":                  "Audit logger type (file, syslog)",
		"audit.options.file_path":     "Audit log file path",
		"audit.options.max_size":      "Audit log size in MB before rotation",
		"audit.options.max_backups":   "Rotated audit logs kept",
		"log.level":                   "Operational log level (debug, info, warn, error)",
	}
}

func getConfigTemplate(template string) map[string]interface{} {
	base := map[string]interface{}{
		"vault": map[string]interface{}{
			"path":               ".lockbox",
			"env_passphrase_var": envPrefix + "_PASSPHRASE",
		},
	}

	switch template {
	case "minimal":
		return base
	case "full":
		base["vault"].(map[string]interface{})["min_passphrase_length"] = 12
		base["vault"].(map[string]interface{})["memory_lock"] = true
		base["export"] = map[string]interface{}{
			"enabled":         true,
			"interval_hours":  24,
			"retention_count": 7,
			"dir":             "",
			"s3": map[string]interface{}{
				"endpoint": "",
				"region":   "us-east-1",
				"bucket":   "",
				"prefix":   "lockbox",
				"use_ssl":  true,
			},
		}
		base["audit"] = map[string]interface{}{
			"enabled": true,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path":   "audit.log",
				"max_size":    100,
				"max_backups": 5,
			},
		}
		base["log"] = map[string]interface{}{"level": "info"}
		return base
	default:
		base["export"] = map[string]interface{}{
			"enabled":         false,
			"interval_hours":  24,
			"retention_count": 7,
		}
		base["audit"] = map[string]interface{}{
			"enabled": false,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": "audit.log",
			},
		}
		return base
	}
}

func validateConfiguration() []string {
	var errs []string

	if viper.GetString("vault.path") == "" {
		errs = append(errs, "vault.path is required")
	}

	// the vault's own rules: passphrase policy, KDF version, export bounds
	if err := vaultOptions(nil).Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if viper.GetString("export.s3.bucket") != "" && viper.GetString("export.s3.endpoint") == "" {
		errs = append(errs, "export.s3.endpoint is required when export.s3.bucket is set")
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "syslog"}
		if !contains(validAuditTypes, auditType) {
			errs = append(errs, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			errs = append(errs, "audit file path is required when using file audit")
		}
	}

	return errs
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// convertValue attempts to convert a string value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	return value
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}

	delete(current, parts[len(parts)-1])
	return nil
}

// printConfigTable prints configuration in table format
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}

		envKey := envVarFor(key)
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}

		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	if strings.HasSuffix(key, "passphrase_var") {
		return false
	}
	sensitiveKeys := []string{"passphrase", "password", "secret", "token"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		} else if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		}
	}
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// readSecret reads a line from the terminal without echo. When stdin is not a terminal the
// first line of stdin is used.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(secret), nil
}

// readNewSecret prompts twice on a terminal and requires both entries to match.
func readNewSecret(prompt string) (string, error) {
	first, err := readSecret(prompt)
	if err != nil {
		return "", err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}

	second, err := readSecret("Repeat: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("entries do not match")
	}
	return first, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
