package connector

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec declares one connector in a connectors file.
//
//	connectors:
//	  - name: search
//	    type: http
//	    url: https://search.internal/api
//	    headers: {Authorization: "Bearer ${SEARCH_TOKEN}"}
//	  - name: wc
//	    type: cli
//	    command: wc
//	    args: [-w]
//	  - name: tools
//	    type: mcp
//	    url: http://localhost:8090/mcp
type Spec struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Timeout string            `yaml:"timeout,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     []string          `yaml:"env,omitempty"`
}

type specFile struct {
	Connectors []Spec `yaml:"connectors"`
}

// ParseSpecs decodes a connectors document. Values are expanded against the
// process environment.
func ParseSpecs(data []byte) ([]Spec, error) {
	var f specFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("connector: parse specs: %w", err)
	}

	return f.Connectors, nil
}

// Build creates the connector described by s.
func (s Spec) Build() (Connector, error) {
	if strings.TrimSpace(s.Name) == "" {
		return nil, errors.New("connector: spec name is required")
	}

	switch strings.ToLower(s.Type) {
	case "http":
		if s.URL == "" {
			return nil, fmt.Errorf("connector: %s: url is required", s.Name)
		}

		return NewHTTPConnector(s.Name, s.URL, func(o *HTTPConnectorOptions) {
			if s.Method != "" {
				o.Method = strings.ToUpper(s.Method)
			}

			o.Headers = s.Headers

			if d, err := time.ParseDuration(s.Timeout); err == nil && d > 0 {
				o.Client = httpClient(d)
			}
		}), nil
	case "cli":
		if s.Command == "" {
			return nil, fmt.Errorf("connector: %s: command is required", s.Name)
		}

		return NewCLIConnector(s.Name, s.Command, s.Args...).WithEnv(s.Env...), nil
	case "mcp":
		if s.URL == "" {
			return nil, fmt.Errorf("connector: %s: url is required", s.Name)
		}

		return NewMCPConnector(s.Name, s.URL, s.Headers), nil
	default:
		return nil, fmt.Errorf("connector: %s: unknown type %q", s.Name, s.Type)
	}
}

// LoadRegistry reads a connectors file and registers every connector in it
// on r. A missing file is not an error.
func LoadRegistry(path string, r *Registry) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("connector: read %s: %w", path, err)
	}

	specs, err := ParseSpecs(data)
	if err != nil {
		return err
	}

	for _, s := range specs {
		c, err := s.Build()
		if err != nil {
			return err
		}

		if err := r.Register(c); err != nil {
			return err
		}
	}

	return nil
}
