package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// AffixedEnvFeeder is a feeder that reads environment variables with a prefix
// and/or suffix, e.g. MODHUB_DEFAULT_CHANNEL for `env:"DEFAULT_CHANNEL"` with
// prefix "MODHUB". Nested structs are walked with the same affixes.
type AffixedEnvFeeder struct {
	Prefix string
	Suffix string
}

// NewAffixedEnvFeeder creates a new AffixedEnvFeeder with the specified prefix and suffix
func NewAffixedEnvFeeder(prefix, suffix string) AffixedEnvFeeder {
	return AffixedEnvFeeder{Prefix: prefix, Suffix: suffix}
}

// Feed reads environment variables and populates the provided structure
func (f AffixedEnvFeeder) Feed(structure interface{}) error {
	inputType := reflect.TypeOf(structure)
	if inputType == nil || inputType.Kind() != reflect.Ptr || inputType.Elem().Kind() != reflect.Struct {
		return ErrEnvInvalidStructure
	}
	if f.Prefix == "" && f.Suffix == "" {
		return ErrEnvEmptyPrefixAndSuffix
	}
	return f.fillStruct(reflect.ValueOf(structure).Elem())
}

// VariableName returns the environment variable consulted for an env tag.
func (f AffixedEnvFeeder) VariableName(envTag string) string {
	name := strings.ToUpper(envTag)
	if f.Prefix != "" {
		name = strings.ToUpper(strings.TrimSuffix(f.Prefix, "_")) + "_" + name
	}
	if f.Suffix != "" {
		name = name + "_" + strings.ToUpper(strings.TrimPrefix(f.Suffix, "_"))
	}
	return name
}

func (f AffixedEnvFeeder) fillStruct(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)

		switch field.Kind() { //nolint:exhaustive // only nested structs need special handling
		case reflect.Struct:
			if err := f.fillStruct(field); err != nil {
				return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
			}
			continue
		case reflect.Pointer:
			if !field.IsNil() && field.Elem().Kind() == reflect.Struct {
				if err := f.fillStruct(field.Elem()); err != nil {
					return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
				}
				continue
			}
		}

		envTag, exists := fieldType.Tag.Lookup("env")
		if !exists || envTag == "" {
			continue
		}
		envValue := os.Getenv(f.VariableName(envTag))
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
		}
	}
	return nil
}

// setFieldValue converts and sets a field value
func setFieldValue(field reflect.Value, strValue string) error {
	if !field.CanSet() {
		return ErrEnvFieldCannotBeSet
	}
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return fmt.Errorf("cannot convert value to duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}
	convertedValue, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(convertedValue).Convert(field.Type()))
	return nil
}
