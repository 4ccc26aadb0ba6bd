package conf

/*
   This is a package that wraps viper, a package designed to handle config
   files, for the BCDA export orchestrator.

   Lookup order:
   1. A local.env file found in BCDA_EXPORT_CONF_DIR or one of the default
      locations below.
   2. The process environment, for any key the config file does not track.

   Assumptions:
   1. The configuration file is an env file
   2. The configuration file, once it is made available to the application,
   will stay immutable during the uptime of the application (exception is test)
*/

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// An instance of the viper struct containing the conf information. Only made
// accessible through public functions GetEnv, SetEnv, etc.
var envVars *viper.Viper

// State machine tracking whether a config file backs this package.
const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, do the read and parse of the config file
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}

	return v
}

func init() {
	var locationSlice = []string{
		os.Getenv("BCDA_EXPORT_CONF_DIR"),
		"../shared_files/decrypted",
		"./shared_files/decrypted",
		".",
	}

	if success, loc := findEnv(locationSlice); success {
		envVars = setup(loc)
	} else {
		envVars = viper.New()
		state = noconfigfound
	}
}

// findEnv walks the candidate locations in order and reports the first one
// holding a local.env file.
func findEnv(location []string) (bool, string) {
	if len(location) == 0 {
		return false, ""
	}

	if location[0] != "" {
		if _, err := os.Stat(location[0] + "/local.env"); err == nil {
			return true, location[0]
		}
	}

	return findEnv(location[1:])
}

// GetEnv retrieves the value stored in conf. If it does not exist the
// environment is consulted, and "" is returned when neither has the key.
func GetEnv(key string) string {
	value, _ := LookupEnv(key)
	return value
}

// LookupEnv augments os.LookupEnv to look in the viper struct first.
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		if value := envVars.GetString(key); value != "" {
			return value, true
		}
	}

	return os.LookupEnv(key)
}

// SetEnv adds key values into conf. This function should only be used either
// in this package itself or testing. The protect parameter is there to ensure
// developers knowingly use it in the appropriate scope.
func SetEnv(protect *testing.T, key string, value string) error {
	if state == configgood {
		envVars.Set(key, value)
		return nil
	}

	return os.Setenv(key, value)
}

// UnsetEnv "unsets" a variable. Like SetEnv, this should only be used either in
// this package itself or testing.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		envVars.Set(key, "")
	}

	return os.Unsetenv(key)
}

// Checkout populates the fields of v (a pointer to a struct) using the
// `conf:"KEY"` tag of each field. Fields whose key has no value fall back to
// the `conf_default` tag. Embedded structs tagged `conf:",squash"` are
// flattened into their parent.
func Checkout(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return &mapstructure.Error{Errors: []string{"conf: Checkout requires a pointer to a struct"}}
	}

	input := make(map[string]interface{})
	collect(rv.Elem().Type(), input)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "conf",
		WeaklyTypedInput: true,
		Squash:           true,
		Result:           v,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

func collect(t reflect.Type, input map[string]interface{}) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("conf")
		name := strings.Split(tag, ",")[0]

		if strings.Contains(tag, "squash") && field.Type.Kind() == reflect.Struct {
			collect(field.Type, input)
			continue
		}
		if name == "" || name == "-" {
			continue
		}

		if value, ok := LookupEnv(name); ok && value != "" {
			input[name] = value
		} else if def, ok := field.Tag.Lookup("conf_default"); ok {
			input[name] = def
		}
	}
}
