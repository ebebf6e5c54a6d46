// Package stepconf parses configuration structs from environment variables described by
// `env` struct tags:
//
//	type Config struct {
//		Sources   []string `env:"sources,required"`
//		Transport string   `env:"transport,opt[http,s3]"`
//		Token     Secret   `env:"api_token"`
//	}
//
// Supported field types are string, bool (also accepting yes and no), the signed integers and
// []string, which is read from a pipe separated list. A field may be constrained to be required
// or to one of a fixed set of values with opt[a,b].
package stepconf

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/colorstring"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ParseError occurs when a struct field cannot be set.
type ParseError struct {
	Field string
	Value string
	Err   error
}

// Error implements builtin errors.Error.
func (e *ParseError) Error() string {
	segments := []string{e.Field}
	if e.Value != "" {
		segments = append(segments, e.Value)
	}
	segments = append(segments, e.Err.Error())
	return strings.Join(segments, ": ")
}

// Unwrap ...
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Secret variables are not shown in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []error
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, &ParseError{Field: t.Field(i).Name, Value: value, Err: err})
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to parse config: %w", errors.Join(errs...))
	}

	return nil
}

func parseTag(tag string) (string, string) {
	if !strings.Contains(tag, ",") {
		return tag, ""
	}
	split := strings.SplitN(tag, ",", 2)
	return split[0], split[1]
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(boolValue(value))
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("type is not supported (%s)", field.Type())
		}
		var items []string
		for _, item := range strings.Split(value, "|") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func boolValue(value string) string {
	switch strings.ToLower(value) {
	case "yes":
		return "true"
	case "no":
		return "false"
	}
	return value
}

var optRegexp = regexp.MustCompile(`^opt\[(.*)\]$`)

func validateConstraint(value, constraint string) error {
	switch constraint {
	case "":
		break
	case "required":
		if value == "" {
			return errors.New("required variable is not present")
		}
	default:
		match := optRegexp.FindStringSubmatch(constraint)
		if match == nil {
			return fmt.Errorf("constraint not supported (%s)", constraint)
		}
		if !contains(value, strings.Split(match[1], ",")) {
			return fmt.Errorf("value is not in value options (%s)", match[1])
		}
	}
	return nil
}

func contains(s string, opts []string) bool {
	for _, o := range opts {
		if s == o {
			return true
		}
	}
	return false
}

// Print the name of the struct with Title case in blue color with followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)
	if t.Kind() == reflect.Ptr {
		v = v.Elem()
		t = t.Elem()
	}

	name := t.Name()
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}

	str := fmt.Sprint(colorstring.Bluef("%s:\n", name))
	for i := 0; i < t.NumField(); i++ {
		key, _ := parseTag(t.Field(i).Tag.Get("env"))
		if key == "" {
			key = t.Field(i).Name
		}

		value := valueString(v.Field(i))
		if value == "" {
			value = "<unset>"
		}
		str += fmt.Sprintf("- %s: %s\n", key, value)
	}

	return str
}

// valueString returns the printable value of v, or an empty string for zero values.
func valueString(v reflect.Value) string {
	if v.IsZero() {
		return ""
	}

	if v.Kind() == reflect.Slice {
		items := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			items = append(items, fmt.Sprintf("%v", v.Index(i).Interface()))
		}
		return strings.Join(items, "|")
	}
	return fmt.Sprintf("%v", v.Interface())
}
