package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"southwinds.dev/keyvault"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold).SprintFunc()
	okColor     = color.New(color.FgGreen).SprintFunc()
	warnColor   = color.New(color.FgYellow).SprintFunc()
	errorColor  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimColor    = color.New(color.Faint).SprintFunc()
)

// secretArgAnnotation marks the index of a positional argument holding a
// secret, so it is redacted from the audit trail.
const secretArgAnnotation = "keyvault/secret-arg"

func secretArgIndex(cmd *cobra.Command) (int, bool) {
	v, ok := cmd.Annotations[secretArgAnnotation]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// configKeys describes every key understood by the CLI.
var configKeys = map[string]string{
	"store.type":                               "Storage backend (filesystem, sqlite, s3, mongo, memory)",
	"store.path":                               "Base directory of the filesystem store",
	"store.sqlite.path":                        "SQLite database file",
	"store.s3.endpoint":                        "S3 endpoint",
	"store.s3.region":                          "S3 region",
	"store.s3.bucket":                          "S3 bucket name",
	"store.s3.key_prefix":                      "S3 object key prefix",
	"store.s3.access_key_id":                   "S3 access key ID",
	"store.s3.secret_access_key":               "S3 secret access key",
	"store.s3.use_ssl":                         "Use SSL for S3 connections",
	"store.mongo.uri":                          "MongoDB connection URI",
	"store.mongo.database":                     "MongoDB database",
	"keystore.backend":                         "Key provider (software, kms)",
	"keystore.passphrase":                      "Passphrase sealing the software keyring",
	"keystore.kms.region":                      "AWS KMS region",
	"keystore.kms.alias_prefix":                "AWS KMS alias prefix",
	"keystore.kms.deletion_window_days":        "Pending deletion window of retired KMS keys (7-30)",
	"vault.default_service":                    "Service used when none is given",
	"vault.legacy_key_alias":                   "Key that encrypted items written before envelopes",
	"vault.default_access_policy":              "Access policy requested for new items (empty negotiates)",
	"vault.kek_access_policy":                  "Access policy gating new key encryption keys",
	"vault.algorithm":                          "Item cipher (AES-256-GCM, AES-256-CBC)",
	"vault.reencryption_concurrency":           "Parallel item re-encryptions during a sweep",
	"vault.key_retention_grace":                "Minimum age of a successor before a key version is retired",
	"vault.enable_memory_lock":                 "Lock process memory",
	"vault.invalidate_on_biometric_enrollment": "Invalidate biometric keys when enrollment changes",
	"device.secure_enclave":                    "Report a secure enclave",
	"device.strong_box":                        "Report a StrongBox",
	"device.biometry":                          "Report enrolled biometry",
	"device.device_credential":                 "Report a device credential",
	"audit.enabled":                            "Enable audit logging",
	"audit.type":                               "Audit logger type (file, syslog)",
	"audit.options.file_path":                  "Audit log file path",
	"audit.log_level":                          "Audit log level",
	"notify.nats.url":                          "NATS server receiving rotation events",
	"notify.nats.subject":                      "NATS subject prefix",
	"notify.nats.credentials_file":             "NATS credentials file",
	"log.level":                                "Diagnostic log level",
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/keyvault/config.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keyvault.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := configKeys[key]
	return ok
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

	last := parts[len(parts)-1]
	if _, ok := current[last]; !ok {
		return fmt.Errorf("key not found: %s", key)
	}
	delete(current, last)
	return nil
}

func getConfigTemplate(template string) (map[string]interface{}, error) {
	defaults := keyvault.DefaultOptions()

	minimal := map[string]interface{}{
		"store": map[string]interface{}{
			"type": "filesystem",
			"path": ".keyvault",
		},
		"keystore": map[string]interface{}{
			"backend": "software",
		},
	}

	switch template {
	case "minimal":
		return minimal, nil
	case "default":
		minimal["vault"] = map[string]interface{}{
			"default_service": defaults.DefaultService,
			"algorithm":       string(defaults.Algorithm),
		}
		minimal["audit"] = map[string]interface{}{
			"enabled": false,
			"type":    "file",
		}
		return minimal, nil
	case "full":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"type": "filesystem",
				"path": ".keyvault",
				"sqlite": map[string]interface{}{
					"path": ".keyvault.db",
				},
				"s3": map[string]interface{}{
					"endpoint":   "",
					"region":     "us-east-1",
					"bucket":     "",
					"key_prefix": "keyvault/",
					"use_ssl":    true,
				},
				"mongo": map[string]interface{}{
					"uri":      "mongodb://localhost:27017",
					"database": "keyvault",
				},
			},
			"keystore": map[string]interface{}{
				"backend": "software",
				"kms": map[string]interface{}{
					"region":               "us-east-1",
					"alias_prefix":         "keyvault",
					"deletion_window_days": 7,
				},
			},
			"vault": map[string]interface{}{
				"default_service":                    defaults.DefaultService,
				"legacy_key_alias":                   defaults.LegacyKeyAlias,
				"default_access_policy":              "",
				"kek_access_policy":                  "",
				"algorithm":                          string(defaults.Algorithm),
				"reencryption_concurrency":           defaults.ReEncryptionConcurrency,
				"key_retention_grace":                defaults.KeyRetentionGrace.String(),
				"enable_memory_lock":                 false,
				"invalidate_on_biometric_enrollment": defaults.InvalidateOnBiometricEnrollment,
			},
			"device": map[string]interface{}{
				"secure_enclave":    false,
				"strong_box":        false,
				"biometry":          false,
				"device_credential": false,
			},
			"audit": map[string]interface{}{
				"enabled":   false,
				"type":      "file",
				"log_level": "info",
				"options": map[string]interface{}{
					"file_path": ".keyvault/audit.log",
				},
			},
			"notify": map[string]interface{}{
				"nats": map[string]interface{}{
					"url":     "",
					"subject": "keyvault.events",
				},
			},
			"log": map[string]interface{}{
				"level": "warn",
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown template: %s (valid: default, minimal, full)", template)
	}
}

func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("store.type")
	validStoreTypes := []string{"filesystem", "sqlite", "s3", "mongo", "memory"}
	if !contains(validStoreTypes, storeType) {
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	switch storeType {
	case "s3":
		if viper.GetString("store.s3.bucket") == "" {
			problems = append(problems, "S3 bucket is required when using S3 store")
		}
		if viper.GetString("store.s3.endpoint") == "" {
			problems = append(problems, "S3 endpoint is required when using S3 store")
		}
	case "mongo":
		if viper.GetString("store.mongo.uri") == "" {
			problems = append(problems, "MongoDB URI is required when using mongo store")
		}
	}

	switch backend := viper.GetString("keystore.backend"); backend {
	case "software":
		if viper.GetString("keystore.passphrase") == "" {
			problems = append(problems, "keystore passphrase is required for the software key backend")
		}
	case "kms":
		if viper.GetString("keystore.kms.region") == "" {
			problems = append(problems, "KMS region is required for the kms key backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid key backend: %s (must be one of: software, kms)", backend))
	}

	if _, err := keystoreOptions(); err != nil {
		problems = append(problems, err.Error())
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "syslog"}
		if !contains(validAuditTypes, auditType) {
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}
	}
	return problems
}

// validateConfigValue validates a configuration value based on its key
func validateConfigValue(key string, value interface{}) error {
	str, _ := value.(string)
	switch key {
	case "store.type":
		validTypes := []string{"filesystem", "sqlite", "s3", "mongo", "memory"}
		if !contains(validTypes, str) {
			return fmt.Errorf("invalid store type: %v (valid: %s)", value, strings.Join(validTypes, ", "))
		}
	case "keystore.backend":
		if !contains([]string{"software", "kms"}, str) {
			return fmt.Errorf("invalid key backend: %v (valid: software, kms)", value)
		}
	case "vault.algorithm":
		if !keyvault.Algorithm(str).Supported() {
			return fmt.Errorf("unsupported algorithm: %v", value)
		}
	case "vault.default_access_policy", "vault.kek_access_policy":
		if _, err := keyvault.ParseAccessPolicy(str); err != nil {
			return err
		}
	case "vault.key_retention_grace":
		if _, err := time.ParseDuration(str); err != nil {
			return fmt.Errorf("invalid duration: %v", value)
		}
	case "keystore.kms.deletion_window_days":
		if n, ok := value.(int); !ok || n < 7 || n > 30 {
			return fmt.Errorf("deletion window must be between 7 and 30 days")
		}
	case "audit.type":
		validTypes := []string{"file", "syslog"}
		if !contains(validTypes, str) {
			return fmt.Errorf("invalid audit type: %v (valid: %s)", value, strings.Join(validTypes, ", "))
		}
	}
	return nil
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
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
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
		if viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		envKey := "KEYVAULT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
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
	return printJSON(config)
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

func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
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

func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "token", "access_key", "credentials", "uri"}
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
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
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

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
