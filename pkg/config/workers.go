package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// workersFile is the YAML shape of a worker definitions file:
//
//	workers:
//	  - name: sensor_reader
//	    command: ["sensor-reader"]
//	    heartbeat: true
//	    max_restarts: 10
type workersFile struct {
	Workers []WorkerDef `yaml:"workers"`
}

// LoadWorkersFile parses worker definitions from a YAML file.
func LoadWorkersFile(path string) ([]WorkerDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workers file %s: %w", path, err)
	}

	var parsed workersFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse workers file %s: %w", path, err)
	}
	return parsed.Workers, nil
}

// ParseWorkersString parses the compact env form
// "name1:cmd arg arg:essential,name2:cmd:false". The essential field is
// optional and defaults to false; commands are split on whitespace (the
// supervisor still executes them as argv lists, never through a shell).
func ParseWorkersString(s string, defaultMaxRestarts int) ([]WorkerDef, error) {
	var workers []WorkerDef
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid worker entry %q: want name:command[:essential]", entry)
		}

		def := WorkerDef{
			Name:        strings.TrimSpace(parts[0]),
			Command:     strings.Fields(parts[1]),
			MaxRestarts: defaultMaxRestarts,
		}
		if len(parts) > 2 {
			def.Essential = strings.EqualFold(strings.TrimSpace(parts[2]), "true")
		}
		workers = append(workers, def)
	}
	return workers, nil
}
