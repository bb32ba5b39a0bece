package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Environment describes how actions of a package are executed
type Environment struct {
	Interpreter string            `yaml:"interpreter" json:"interpreter,omitempty" jsonschema:"description=program running action files (sh if empty)"`
	Setup       []string          `yaml:"setup" json:"setup,omitempty" jsonschema:"description=shell commands preparing the environment directory once"`
	Variables   map[string]string `yaml:"variables" json:"variables,omitempty" jsonschema:"description=extra environment variables of actions"`
}

// Normalized returns copy with trimmed values and empty setup lines dropped
func (e Environment) Normalized() Environment {
	res := Environment{Interpreter: strings.TrimSpace(e.Interpreter)}
	for _, s := range e.Setup {
		if s = strings.TrimSpace(s); s != "" {
			res.Setup = append(res.Setup, s)
		}
	}
	if len(e.Variables) > 0 {
		res.Variables = make(map[string]string, len(e.Variables))
		for k, v := range e.Variables {
			res.Variables[strings.TrimSpace(k)] = v
		}
	}
	return res
}

// JSON returns serialized normalized environment. Map keys are sorted, so equal environments give equal bytes.
func (e Environment) JSON() string {
	data, err := json.Marshal(e.Normalized())
	if err != nil {
		return "{}" // can't happen, all fields are strings
	}
	return string(data)
}

// Hash identifies the environment, packages with the same hash share one environment directory
func (e Environment) Hash() string {
	h := sha256.Sum256([]byte(e.JSON()))
	return hex.EncodeToString(h[:])
}

// EnvVars returns variables as sorted KEY=VALUE pairs
func (e Environment) EnvVars() []string {
	res := make([]string, 0, len(e.Variables))
	for k, v := range e.Variables {
		res = append(res, k+"="+v)
	}
	slices.Sort(res)
	return res
}

// Environment decodes the stored environment descriptor
func (p ActionPackage) Environment() (Environment, error) {
	var env Environment
	if p.EnvJSON == "" {
		return env, nil
	}
	if err := json.Unmarshal([]byte(p.EnvJSON), &env); err != nil {
		return env, fmt.Errorf("invalid environment of package %s: %w", p.Name, err)
	}
	return env, nil
}
