package modhub

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/config/v3"
	"gopkg.in/yaml.v3"
)

const (
	// Struct tag keys
	tagDefault  = "default"
	tagRequired = "required"
	tagDesc     = "desc" // Used for generating sample config and documentation
)

// Config holds the runtime settings of a GlobalModuleContext.
type Config struct {
	// DefaultChannel is assigned to modules that do not ask for a channel.
	DefaultChannel int `yaml:"defaultChannel" toml:"defaultChannel" json:"defaultChannel" env:"DEFAULT_CHANNEL" default:"0" desc:"Channel assigned to modules that do not request one"`

	// ShutdownTimeout bounds Shutdown when the caller's context has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout" json:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT" default:"30s" desc:"Maximum time to drain runners on shutdown"`

	// EventSource is the CloudEvents source of lifecycle notifications.
	EventSource string `yaml:"eventSource" toml:"eventSource" json:"eventSource" env:"EVENT_SOURCE" default:"modhub" required:"true" desc:"CloudEvents source for runtime notifications"`

	// GlobalRunnerName names the runner created when none is supplied.
	GlobalRunnerName string `yaml:"globalRunnerName" toml:"globalRunnerName" json:"globalRunnerName" env:"GLOBAL_RUNNER_NAME" default:"global" desc:"Name of the global task runner"`

	// ActivateOnRegister activates modules as part of RegisterModule.
	ActivateOnRegister bool `yaml:"activateOnRegister" toml:"activateOnRegister" json:"activateOnRegister" env:"ACTIVATE_ON_REGISTER" default:"false" desc:"Activate modules immediately after registration"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	// Defaults on Config are static and always parse.
	_ = ProcessConfigDefaults(cfg)
	return cfg
}

// Validate implements ConfigValidator.
func (c *Config) Validate() error {
	if c.DefaultChannel < 0 {
		return fmt.Errorf("%w: defaultChannel must not be negative, got %d", ErrConfigValidationFailed, c.DefaultChannel)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdownTimeout must not be negative, got %s", ErrConfigValidationFailed, c.ShutdownTimeout)
	}
	return nil
}

// ConfigValidator is implemented by configuration structs that need checks
// beyond required fields. ValidateConfig calls it after defaults are applied.
type ConfigValidator interface {
	Validate() error
}

// LoadConfig feeds cfg from the given feeders in order, later feeders
// overriding earlier ones, then applies defaults and validates it.
//
//	cfg := modhub.DefaultConfig()
//	err := modhub.LoadConfig(cfg, feeders.NewYamlFeeder("modhub.yaml"), feeders.NewAffixedEnvFeeder("MODHUB", ""))
func LoadConfig(cfg any, sources ...config.Feeder) error {
	if cfg == nil {
		return ErrConfigNil
	}
	c := config.New()
	for _, source := range sources {
		c.AddFeeder(source)
	}
	c.AddStruct(cfg)
	if err := c.Feed(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigFeederError, err)
	}
	return ValidateConfig(cfg)
}

// ProcessConfigDefaults applies default values to a config struct based on struct tags.
// It looks for `default:"value"` tags on struct fields and sets the field value if currently zero/empty.
//
// Supported field types are strings, booleans, integers, unsigned integers,
// floats, time.Duration, []string (JSON array) and map[string]string (JSON
// object). Nested structs and non-nil struct pointers are processed
// recursively.
func ProcessConfigDefaults(cfg any) error {
	v, err := configStruct(cfg)
	if err != nil {
		return err
	}
	return processStructDefaults(v)
}

// processStructDefaults recursively processes struct fields for default values
func processStructDefaults(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		}

		// Nil struct pointers are left alone
		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if !field.IsNil() {
				if err := processStructDefaults(field.Elem()); err != nil {
					return err
				}
			}
			continue
		}

		defaultVal, hasDefault := fieldType.Tag.Lookup(tagDefault)
		if !hasDefault || !isZeroValue(field) {
			continue
		}

		if err := setDefaultValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

// ValidateConfigRequired checks all struct fields with `required:"true"` tag
// and verifies they are not zero/empty values
func ValidateConfigRequired(cfg any) error {
	v, err := configStruct(cfg)
	if err != nil {
		return err
	}

	var missing []string
	validateRequiredFields(v, "", &missing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigRequiredFieldMissing, strings.Join(missing, ", "))
	}
	return nil
}

func validateRequiredFields(v reflect.Value, prefix string, missing *[]string) {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldName := fieldType.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		switch {
		case field.Kind() == reflect.Struct:
			validateRequiredFields(field, fieldName, missing)
		case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
			if !field.IsNil() {
				validateRequiredFields(field.Elem(), fieldName, missing)
			} else if isFieldRequired(&fieldType) {
				*missing = append(*missing, fieldName)
			}
		case isFieldRequired(&fieldType) && isZeroValue(field):
			*missing = append(*missing, fieldName)
		}
	}
}

// ValidateConfig validates a configuration using the following steps:
// 1. Processes default values
// 2. Validates required fields
// 3. If the config implements ConfigValidator, calls its Validate method
func ValidateConfig(cfg any) error {
	if err := ProcessConfigDefaults(cfg); err != nil {
		return err
	}
	if err := ValidateConfigRequired(cfg); err != nil {
		return err
	}
	if validator, ok := cfg.(ConfigValidator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	return nil
}

// GenerateSampleConfig renders a config struct with its defaults applied.
// The format parameter can be "yaml", "json", or "toml".
func GenerateSampleConfig(cfg any, format string) ([]byte, error) {
	if cfg == nil {
		return nil, ErrConfigNil
	}
	t := reflect.TypeOf(cfg)
	if t.Kind() != reflect.Ptr {
		return nil, ErrConfigNotPointer
	}

	sample := reflect.New(t.Elem()).Interface()
	if err := ProcessConfigDefaults(sample); err != nil {
		return nil, err
	}

	switch strings.ToLower(format) {
	case "yaml", "yml":
		data, err := yaml.Marshal(sample)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
		}
		return data, nil
	case "json":
		data, err := json.MarshalIndent(sample, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		return data, nil
	case "toml":
		var buf strings.Builder
		if err := toml.NewEncoder(&buf).Encode(sample); err != nil {
			return nil, fmt.Errorf("failed to marshal to TOML: %w", err)
		}
		return []byte(buf.String()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormatType, format)
	}
}

// SaveSampleConfig generates and saves a sample configuration file
func SaveSampleConfig(cfg any, format, filePath string) error {
	data, err := GenerateSampleConfig(cfg, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file to %s: %w", filePath, err)
	}
	return nil
}

// DescribeConfig lists "path: description" for every field with a desc tag.
func DescribeConfig(cfg any) []string {
	t := reflect.TypeOf(cfg)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var out []string
	describeFields(t, "", &out)
	return out
}

func describeFields(t reflect.Type, prefix string, out *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("yaml"); ok && tag != "" && tag != "-" {
			name = strings.Split(tag, ",")[0]
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Time{}) {
			describeFields(ft, name, out)
			continue
		}
		if desc, ok := f.Tag.Lookup(tagDesc); ok {
			*out = append(*out, name+": "+desc)
		}
	}
}

func configStruct(cfg any) (reflect.Value, error) {
	if cfg == nil {
		return reflect.Value{}, ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, ErrConfigNotPointer
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, ErrConfigNotStruct
	}
	return v, nil
}

// isFieldRequired checks if a field has the required:"true" tag
func isFieldRequired(field *reflect.StructField) bool {
	required, exists := field.Tag.Lookup(tagRequired)
	return exists && required == "true"
}

// isZeroValue determines if a field contains its zero value
func isZeroValue(v reflect.Value) bool {
	switch v.Kind() { //nolint:exhaustive // remaining kinds are never treated as zero
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	case reflect.Invalid:
		return true
	default:
		return false
	}
}

// setDefaultValue sets a default value from a string to the proper field type
func setDefaultValue(field reflect.Value, defaultVal string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(defaultVal)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %w", ErrDefaultValueParseError, defaultVal, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() { //nolint:exhaustive // everything else is unsupported
	case reflect.String:
		field.SetString(defaultVal)
	case reflect.Bool:
		b, err := strconv.ParseBool(defaultVal)
		if err != nil {
			return fmt.Errorf("%w: bool %q: %w", ErrDefaultValueParseError, defaultVal, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(defaultVal, 10, 64)
		if err != nil || field.OverflowInt(i) {
			return fmt.Errorf("%w: %q does not fit %s", ErrDefaultValueParseError, defaultVal, field.Type())
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(defaultVal, 10, 64)
		if err != nil || field.OverflowUint(u) {
			return fmt.Errorf("%w: %q does not fit %s", ErrDefaultValueParseError, defaultVal, field.Type())
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(defaultVal, 64)
		if err != nil || field.OverflowFloat(f) {
			return fmt.Errorf("%w: %q does not fit %s", ErrDefaultValueParseError, defaultVal, field.Type())
		}
		field.SetFloat(f)
	case reflect.Slice:
		return setDefaultSlice(field, defaultVal)
	case reflect.Map:
		return setDefaultMap(field, defaultVal)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}
	return nil
}

// setDefaultSlice sets a []string default value from a JSON array
func setDefaultSlice(field reflect.Value, defaultVal string) error {
	if field.Type().Elem().Kind() != reflect.String {
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Type())
	}
	var strs []string
	if err := json.Unmarshal([]byte(defaultVal), &strs); err != nil {
		return fmt.Errorf("%w: JSON array: %w", ErrDefaultValueParseError, err)
	}
	sliceVal := reflect.MakeSlice(field.Type(), len(strs), len(strs))
	for i, s := range strs {
		sliceVal.Index(i).SetString(s)
	}
	field.Set(sliceVal)
	return nil
}

// setDefaultMap sets a map[string]string default value from a JSON object
func setDefaultMap(field reflect.Value, defaultVal string) error {
	if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Type())
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(defaultVal), &m); err != nil {
		return fmt.Errorf("%w: JSON object: %w", ErrDefaultValueParseError, err)
	}
	mapVal := reflect.MakeMap(field.Type())
	for k, v := range m {
		mapVal.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(v))
	}
	field.Set(mapVal)
	return nil
}
