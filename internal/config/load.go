package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable, e.g. RELGRAPH_SERVER_PORT.
const EnvPrefix = "RELGRAPH"

const defaultDatabaseName = "relgraph"

// LoadFlags loads configuration with the following precedence:
//  1. Explicit overrides (v.Set) for file-backed secrets and the password prompt
//  2. Flags changed in fs
//  3. Environment variables (RELGRAPH_ prefix)
//  4. Config file: fs's "config" flag, else relgraph.yaml in the search path
//  5. Default values
//
// fs must already be parsed.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	// RELGRAPH_DATABASE_POOL_MAX_OPEN maps to database.pool.max_open.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		bindChangedFlagsToViper(v, fs)
	}
	databaseExplicit := databaseNameExplicitlyConfigured(v, fs)

	if err := resolveSecrets(v); err != nil {
		return nil, err
	}

	// A DSN naming a database wins over the default placeholder.
	if dsn := strings.TrimSpace(v.GetString("database.dsn")); dsn != "" && !databaseExplicit {
		name, err := parseDSNDatabaseName(dsn)
		if err != nil {
			return nil, err
		}
		v.Set("database.database", name)
	}

	return unmarshal(v)
}

// readConfigFile reads the file named by the "config" flag. Without one the
// search path is tried and a missing file is not an error.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	var path string
	if fs != nil && fs.Lookup("config") != nil {
		path, _ = fs.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("relgraph")
	v.SetConfigType("yaml")
	for _, dir := range []string{"/etc/relgraph/", "$HOME/.relgraph", "."} {
		v.AddConfigPath(dir)
	}
	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// resolveSecrets fills database.dsn and database.password from their _file
// settings or an interactive prompt when they are not set directly.
func resolveSecrets(v *viper.Viper) error {
	if err := validateSingleStdinFileSource(v); err != nil {
		return err
	}

	fromFile := []struct{ key, label string }{
		{"database.dsn", "DSN"},
		{"database.password", "password"},
	}
	for _, secret := range fromFile {
		path := v.GetString(secret.key + "_file")
		if v.GetString(secret.key) != "" || path == "" {
			continue
		}
		value, err := readSecretFile(path)
		if err != nil {
			return fmt.Errorf("failed to read database %s file: %w", secret.label, err)
		}
		v.Set(secret.key, value)
	}

	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}
	return nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if !strings.Contains(f.Name, ".") {
			return
		}
		if value, ok := typedFlagValue(fs, f); ok {
			v.Set(f.Name, value)
			return
		}
		v.Set(f.Name, f.Value.String())
	})
}

func typedFlagValue(fs *pflag.FlagSet, f *pflag.Flag) (any, bool) {
	var (
		value any
		err   error
	)
	switch f.Value.Type() {
	case "string":
		value, err = fs.GetString(f.Name)
	case "int":
		value, err = fs.GetInt(f.Name)
	case "int64":
		value, err = fs.GetInt64(f.Name)
	case "bool":
		value, err = fs.GetBool(f.Name)
	case "float64":
		value, err = fs.GetFloat64(f.Name)
	case "duration":
		value, err = fs.GetDuration(f.Name)
	case "stringSlice":
		value, err = fs.GetStringSlice(f.Name)
	default:
		return nil, false
	}
	return value, err == nil
}

// DefineFlags registers a flag for every documented setting, keyed by its
// canonical snake_case path. Flags carry zero defaults so only flags the user
// set reach Viper.
func DefineFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		if s.usage == "" {
			continue
		}
		switch def := s.def.(type) {
		case string:
			fs.String(s.key, "", s.usage)
		case int:
			fs.Int(s.key, 0, s.usage)
		case int64:
			fs.Int64(s.key, 0, s.usage)
		case bool:
			fs.Bool(s.key, false, s.usage)
		case float64:
			fs.Float64(s.key, 0, s.usage)
		case time.Duration:
			fs.Duration(s.key, 0, s.usage)
		case []string:
			fs.StringSlice(s.key, nil, s.usage)
		default:
			panic(fmt.Sprintf("config: no flag type for %s (%T)", s.key, def))
		}
	}
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}
}

// promptPassword prompts the user for a password without echoing to terminal.
func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// readSecretFile reads a trimmed secret from path, or from stdin when path is "@-".
func readSecretFile(path string) (string, error) {
	var data []byte
	var err error

	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func validateSingleStdinFileSource(v *viper.Viper) error {
	stdinBackedKeys := []string{
		"database.dsn_file",
		"database.password_file",
	}

	var configured []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}

	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

func databaseNameExplicitlyConfigured(v *viper.Viper, fs *pflag.FlagSet) bool {
	if _, ok := os.LookupEnv(EnvPrefix + "_DATABASE_DATABASE"); ok {
		return true
	}
	if fs != nil {
		if flag := fs.Lookup("database.database"); flag != nil && flag.Changed {
			return true
		}
	}
	return v.InConfig("database.database")
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
