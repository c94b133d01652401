package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file on top of the defaults,
// substituting ${VAR_NAME} references with environment variable values.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	cfg := NewConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// References to unset variables are left intact so table-id templates like
// "events_${region}" survive loading.
func substituteEnvVars(content string) string {
	from := 0
	for {
		start := strings.Index(content[from:], "${")
		if start == -1 {
			break
		}
		start += from
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue, ok := os.LookupEnv(varName)
		if !ok {
			from = end + 1
			continue
		}
		content = content[:start] + envValue + content[end+1:]
		from = start + len(envValue)
	}
	return content
}
