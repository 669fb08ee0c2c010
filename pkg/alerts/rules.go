package alerts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML layout of an alert rule file:
//
//	alerts:
//	  - name: render failures
//	    conditions:
//	      level: [error, critical]
//	      agent: [render]
//	      frequencyThreshold: 3
//	    actions:
//	      notify: true
//	      webhook: https://hooks.example.com/render
type RuleFile struct {
	Alerts []AlertSpec `yaml:"alerts"`
}

// ParseRules decodes a rule file. Unknown keys are rejected.
func ParseRules(data []byte) ([]AlertSpec, error) {
	var file RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse alert rules: %w", err)
	}
	return file.Alerts, nil
}

// LoadRules reads and parses the rule file at path.
func LoadRules(path string) ([]AlertSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert rules %s: %w", path, err)
	}
	return ParseRules(data)
}
