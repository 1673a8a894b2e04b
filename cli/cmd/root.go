package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/keyvault"
	"southwinds.dev/keyvault/audit"
	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/notify"
	"southwinds.dev/keyvault/persist"
)

var (
	cfgFile     string
	kv          *keyvault.Keystore
	store       persist.Store
	auditLogger audit.Logger
	natsSink    *notify.NATSSink
	cliContext  *CLIContext
	logger      zerolog.Logger
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keyvault",
	Short: "A secure key-value store with versioned key encryption keys",
	Long: `A secure key-value store. Every item is sealed under its own data encryption key,
which is wrapped by a versioned key encryption key. Key encryption keys can be rotated
while items stay readable, and items written before envelopes existed can be migrated.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeKeystore,
	PersistentPostRunE: closeKeystore,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorColor("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keyvault.yaml)")
	rootCmd.PersistentFlags().StringP("store-type", "s", "", "storage backend (filesystem, sqlite, s3, mongo, memory)")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "path for the filesystem and sqlite backends")
	rootCmd.PersistentFlags().String("passphrase", "", "passphrase sealing the software keyring (or use KEYVAULT_KEYSTORE_PASSPHRASE)")
	rootCmd.PersistentFlags().String("key-backend", "", "key provider (software, kms)")
	rootCmd.PersistentFlags().String("service", "", "default item service")
	rootCmd.PersistentFlags().String("log-level", "", "diagnostic log level (debug, info, warn, error)")

	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("keystore.passphrase", "passphrase")
	bindFlagOrPanic("keystore.backend", "key-backend")
	bindFlagOrPanic("vault.default_service", "service")
	bindFlagOrPanic("log.level", "log-level")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")

	// Event forwarding
	rootCmd.PersistentFlags().String("nats-url", "", "publish rotation events to this NATS server")
	bindFlagOrPanic("notify.nats.url", "nats-url")
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
		viper.AddConfigPath("/etc/keyvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keyvault")
	}

	viper.SetEnvPrefix("KEYVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	defaults := keyvault.DefaultOptions()

	viper.SetDefault("store.type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("store.path", ".keyvault")
	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.key_prefix", "keyvault/")
	viper.SetDefault("store.s3.use_ssl", true)
	viper.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	viper.SetDefault("store.mongo.database", "keyvault")

	viper.SetDefault("keystore.backend", "software")
	viper.SetDefault("keystore.kms.region", "us-east-1")
	viper.SetDefault("keystore.kms.alias_prefix", "keyvault")
	viper.SetDefault("keystore.kms.deletion_window_days", 7)

	viper.SetDefault("vault.default_service", defaults.DefaultService)
	viper.SetDefault("vault.legacy_key_alias", defaults.LegacyKeyAlias)
	viper.SetDefault("vault.algorithm", string(defaults.Algorithm))
	viper.SetDefault("vault.reencryption_concurrency", defaults.ReEncryptionConcurrency)
	viper.SetDefault("vault.key_retention_grace", defaults.KeyRetentionGrace)
	viper.SetDefault("vault.enable_memory_lock", false)
	viper.SetDefault("vault.invalidate_on_biometric_enrollment", defaults.InvalidateOnBiometricEnrollment)

	// a workstation has no secure hardware unless configured otherwise
	viper.SetDefault("device.secure_enclave", false)
	viper.SetDefault("device.strong_box", false)
	viper.SetDefault("device.biometry", false)
	viper.SetDefault("device.device_credential", false)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "")
	viper.SetDefault("audit.log_level", "info")

	viper.SetDefault("notify.nats.subject", notify.DefaultSubject)
	viper.SetDefault("log.level", "warn")
}

// skipInitialization lists commands that work without opening the keystore.
func skipInitialization(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "debug-config":
			return true
		}
	}
	return false
}

func initializeKeystore(cmd *cobra.Command, args []string) error {
	if skipInitialization(cmd) {
		return nil
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger = newLogger()

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

	store, err = createStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	provider, err := createProvider(ctx, store)
	if err != nil {
		return fmt.Errorf("failed to create key provider: %w", err)
	}

	opts, err := keystoreOptions()
	if err != nil {
		return err
	}

	kv, err = keyvault.New(ctx, opts, keyvault.Dependencies{
		Store:    store,
		Provider: provider,
		Probe:    keyvault.NewStaticProbe(deviceCapabilities()),
		Audit:    auditLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize keystore: %w", err)
	}

	if url := viper.GetString("notify.nats.url"); url != "" {
		natsSink, err = notify.NewNATSSink(notify.NATSConfig{
			URL:             url,
			Subject:         viper.GetString("notify.nats.subject"),
			CredentialsFile: viper.GetString("notify.nats.credentials_file"),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event sink: %w", err)
		}
		kv.OnRotationEvent(natsSink.Handle)
	}
	return nil
}

func closeKeystore(cmd *cobra.Command, args []string) error {
	var errs []error
	if kv != nil {
		// closes the audit logger too
		errs = append(errs, kv.Close())
	}
	if natsSink != nil {
		errs = append(errs, natsSink.Close())
	}
	if store != nil {
		errs = append(errs, store.Close())
	}
	return errors.Join(errs...)
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": auditFilePath(),
		},
		LogLevel: viper.GetString("audit.log_level"),
		Source:   getHostname(),
	})
}

// auditFilePath defaults the audit log into the store directory.
func auditFilePath() string {
	if path := viper.GetString("audit.options.file_path"); path != "" {
		return path
	}
	return strings.TrimSuffix(viper.GetString("store.path"), "/") + "/audit.log"
}

func createStore(ctx context.Context) (persist.Store, error) {
	storeType := persist.StoreType(strings.ToLower(viper.GetString("store.type")))
	config := persist.StoreConfig{Type: storeType}

	switch storeType {
	case persist.StoreTypeFileSystem:
		path := viper.GetString("store.path")
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		config.Config = map[string]interface{}{"base_path": path}

	case persist.StoreTypeSQLite:
		path := viper.GetString("store.sqlite.path")
		if path == "" {
			path = strings.TrimSuffix(viper.GetString("store.path"), "/") + ".db"
		}
		config.Config = map[string]interface{}{"path": path}

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.key_prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(ctx, s3Config)

	case persist.StoreTypeMongo:
		config.Config = map[string]interface{}{
			"uri":      viper.GetString("store.mongo.uri"),
			"database": viper.GetString("store.mongo.database"),
		}

	case persist.StoreTypeMemory:

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, sqlite, s3, mongo, memory", storeType)
	}
	return persist.NewStore(ctx, config)
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config.Endpoint == "" {
		missing = append(missing, "store.s3.endpoint")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func createProvider(ctx context.Context, settings persist.SettingsStore) (keystore.Provider, error) {
	switch backend := strings.ToLower(viper.GetString("keystore.backend")); backend {
	case "software", "":
		passphrase := []byte(viper.GetString("keystore.passphrase"))
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("keystore passphrase is required. Use --passphrase flag or KEYVAULT_KEYSTORE_PASSPHRASE environment variable")
		}
		defer memguard.WipeBytes(passphrase)

		return keystore.NewSoftware(ctx, keystore.SoftwareOptions{
			Settings:   settings,
			Passphrase: passphrase,
			Logger:     logger,
		})

	case "kms":
		return keystore.NewKMS(ctx, keystore.KMSConfig{
			Region:             viper.GetString("keystore.kms.region"),
			AliasPrefix:        viper.GetString("keystore.kms.alias_prefix"),
			DeletionWindowDays: viper.GetInt32("keystore.kms.deletion_window_days"),
			Logger:             logger,
		})

	default:
		return nil, fmt.Errorf("unsupported key backend: %s. Supported backends: software, kms", backend)
	}
}

func keystoreOptions() (keyvault.Options, error) {
	opts := keyvault.DefaultOptions()
	opts.DefaultService = viper.GetString("vault.default_service")
	opts.LegacyKeyAlias = viper.GetString("vault.legacy_key_alias")
	opts.Algorithm = keyvault.Algorithm(viper.GetString("vault.algorithm"))
	opts.ReEncryptionConcurrency = viper.GetInt("vault.reencryption_concurrency")
	opts.KeyRetentionGrace = viper.GetDuration("vault.key_retention_grace")
	opts.EnableMemoryLock = viper.GetBool("vault.enable_memory_lock")
	opts.InvalidateOnBiometricEnrollment = viper.GetBool("vault.invalidate_on_biometric_enrollment")
	opts.Logger = logger

	var err error
	if opts.DefaultAccessPolicy, err = keyvault.ParseAccessPolicy(viper.GetString("vault.default_access_policy")); err != nil {
		return opts, fmt.Errorf("vault.default_access_policy: %w", err)
	}
	if opts.KEKAccessPolicy, err = keyvault.ParseAccessPolicy(viper.GetString("vault.kek_access_policy")); err != nil {
		return opts, fmt.Errorf("vault.kek_access_policy: %w", err)
	}
	return opts, opts.Validate()
}

func deviceCapabilities() keyvault.CapabilitySnapshot {
	return keyvault.CapabilitySnapshot{
		SecureEnclave:    viper.GetBool("device.secure_enclave"),
		StrongBox:        viper.GetBool("device.strong_box"),
		Biometry:         viper.GetBool("device.biometry"),
		DeviceCredential: viper.GetBool("device.device_credential"),
	}
}

// getStoreConfigSummary returns a summary of the current store configuration (for logging/debugging)
func getStoreConfigSummary(storeType string) string {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeFileSystem:
		return fmt.Sprintf("Filesystem store: path=%s", viper.GetString("store.path"))
	case persist.StoreTypeSQLite:
		return fmt.Sprintf("SQLite store: path=%s", viper.GetString("store.sqlite.path"))
	case persist.StoreTypeS3:
		return fmt.Sprintf("S3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("store.s3.bucket"),
			viper.GetString("store.s3.region"),
			viper.GetString("store.s3.key_prefix"))
	case persist.StoreTypeMongo:
		return fmt.Sprintf("MongoDB store: database=%s", viper.GetString("store.mongo.database"))
	case persist.StoreTypeMemory:
		return "Memory store: contents are lost on exit"
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

// isSensitiveFlag reports names that must never be printed or audited.
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token", "value", "uri"}
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
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.New().String()
}

// getHostname returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

// Debug command to show current configuration
var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(headerColor("Configuration Debug Information"))
		fmt.Printf("===============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (KEYVAULT_* prefix):\n")
		for _, env := range os.Environ() {
			if !strings.HasPrefix(env, "KEYVAULT_") {
				continue
			}
			parts := strings.SplitN(env, "=", 2)
			if len(parts) != 2 {
				continue
			}
			if isSensitiveFlag(parts[0]) {
				fmt.Printf("  %s=***REDACTED***\n", parts[0])
			} else {
				fmt.Printf("  %s=%s\n", parts[0], parts[1])
			}
		}

		storeType := viper.GetString("store.type")
		fmt.Printf("\nStore:\n")
		fmt.Printf("  %s\n", getStoreConfigSummary(storeType))

		fmt.Printf("\nKey Provider:\n")
		fmt.Printf("  Backend: %s\n", viper.GetString("keystore.backend"))
		fmt.Printf("  Passphrase: %s\n", setOrNot("keystore.passphrase"))
		if strings.ToLower(viper.GetString("keystore.backend")) == "kms" {
			fmt.Printf("  KMS Region: %s\n", viper.GetString("keystore.kms.region"))
			fmt.Printf("  KMS Alias Prefix: %s\n", viper.GetString("keystore.kms.alias_prefix"))
		}

		fmt.Printf("\nKeystore:\n")
		fmt.Printf("  Default Service: %s\n", viper.GetString("vault.default_service"))
		fmt.Printf("  Algorithm: %s\n", viper.GetString("vault.algorithm"))
		fmt.Printf("  Default Access Policy: %s\n", viper.GetString("vault.default_access_policy"))
		fmt.Printf("  Memory Lock: %v\n", viper.GetBool("vault.enable_memory_lock"))

		caps := deviceCapabilities()
		fmt.Printf("\nDevice Capabilities:\n")
		fmt.Printf("  Secure Enclave: %v\n", caps.SecureEnclave)
		fmt.Printf("  StrongBox: %v\n", caps.StrongBox)
		fmt.Printf("  Biometry: %v\n", caps.Biometry)
		fmt.Printf("  Device Credential: %v\n", caps.DeviceCredential)

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", auditFilePath())

		if strings.ToLower(storeType) == string(persist.StoreTypeS3) {
			fmt.Printf("\nS3 Configuration:\n")
			fmt.Printf("  Endpoint: %s\n", viper.GetString("store.s3.endpoint"))
			fmt.Printf("  Use SSL: %v\n", viper.GetBool("store.s3.use_ssl"))
			fmt.Printf("  Access Key: %s\n", setOrNot("store.s3.access_key_id"))
			fmt.Printf("  Secret Key: %s\n", setOrNot("store.s3.secret_access_key"))
		}

		if url := viper.GetString("notify.nats.url"); url != "" {
			fmt.Printf("\nEvent Forwarding:\n")
			fmt.Printf("  NATS URL: %s\n", url)
			fmt.Printf("  Subject: %s\n", viper.GetString("notify.nats.subject"))
		}
		return nil
	},
}

func setOrNot(key string) string {
	if viper.GetString(key) != "" {
		return "***SET***"
	}
	return "***NOT SET***"
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(cmd, args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to audit command start")
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		if logErr := auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		}); logErr != nil {
			logger.Error().Err(logErr).Msg("failed to audit command completion")
		}
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)
		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}
		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return fmt.Sprintf("Error: %s", message)
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

// sanitizeArgs redacts positional values of commands annotated with
// secretArgAnnotation, e.g. the value of "item set".
func sanitizeArgs(cmd *cobra.Command, args []string) []string {
	sanitized := make([]string, len(args))
	copy(sanitized, args)

	index, ok := secretArgIndex(cmd)
	if ok && index < len(sanitized) {
		sanitized[index] = "[REDACTED]"
	}
	return sanitized
}
