package stepconf

import "github.com/bitrise-io/go-utils/v2/env"

// EnvGetter looks up the value of an environment variable. env.Repository implements it.
type EnvGetter interface {
	Get(key string) string
}

// InputParser fills a configuration struct.
type InputParser interface {
	Parse(input interface{}) error
}

// EnvParser fills configuration structs from the values of an EnvGetter.
type EnvParser struct {
	envGetter EnvGetter
}

// NewInputParser returns an EnvParser reading values from envGetter.
func NewInputParser(envGetter EnvGetter) *EnvParser {
	return &EnvParser{envGetter: envGetter}
}

// Parse fills input, which must be a pointer to a struct, from the environment values named by
// its `env` tags.
func (p *EnvParser) Parse(input interface{}) error {
	return parse(input, p.envGetter)
}

// Parse fills conf from the process environment.
func Parse(conf interface{}) error {
	return NewInputParser(env.NewRepository()).Parse(conf)
}
