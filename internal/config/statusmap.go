package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// StatusMapping classifies workflow statuses for the metric engine.
// Matching is by either the system status key or the localized display
// name; history rows carry both.
type StatusMapping struct {
	Discovery    []string `yaml:"discovery"`
	Done         []string `yaml:"done"`
	Pause        []string `yaml:"pause"`
	ExternalTest []string `yaml:"external_test"`

	// ReadyForDev anchors TTD; InWork anchors DevLT.
	ReadyForDev string `yaml:"ready_for_dev"`
	InWork      string `yaml:"in_work"`

	// Testing is the downstream status counted for testing returns.
	Testing string `yaml:"testing"`
}

// DefaultStatusMapping matches the organization's workflow names.
func DefaultStatusMapping() StatusMapping {
	return StatusMapping{
		Discovery:    []string{"Discovery backlog", "Исследование"},
		Done:         []string{"Done", "Выполнено", "Закрыт"},
		Pause:        []string{"Приостановлено"},
		ExternalTest: []string{"Внешний тест", "МП / Внешний тест"},
		ReadyForDev:  "Готова к разработке",
		InWork:       "В работе",
		Testing:      "Testing",
	}
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m StatusMapping) IsDiscovery(s string) bool    { return contains(m.Discovery, s) }
func (m StatusMapping) IsDone(s string) bool         { return contains(m.Done, s) }
func (m StatusMapping) IsPause(s string) bool        { return contains(m.Pause, s) }
func (m StatusMapping) IsExternalTest(s string) bool { return contains(m.ExternalTest, s) }

// Validate rejects mappings that cannot anchor the metrics.
func (m StatusMapping) Validate() error {
	if m.ReadyForDev == "" {
		return fmt.Errorf("status mapping: ready_for_dev status is required")
	}
	if len(m.Done) == 0 {
		return fmt.Errorf("status mapping: done statuses are required")
	}
	return nil
}

// LoadStatusMapping reads a mapping file. A .yaml/.yml file is parsed as
// the YAML form; anything else as "status;block" lines where block is one
// of discovery, done, pause, external_test, ready_for_dev, in_work,
// testing. Unknown blocks are ignored so the file can carry ordering
// entries for other tools.
func LoadStatusMapping(path string) (StatusMapping, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadStatusMappingYAML(path)
	default:
		return loadStatusMappingLines(path)
	}
}

func loadStatusMappingYAML(path string) (StatusMapping, error) {
	m := DefaultStatusMapping()
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("open status mapping: %w", err)
	}
	var loaded StatusMapping
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return m, fmt.Errorf("parse status mapping %s: %w", path, err)
	}
	loaded.applyDefaults()
	if err := loaded.Validate(); err != nil {
		return m, err
	}
	return loaded, nil
}

func loadStatusMappingLines(path string) (StatusMapping, error) {
	var m StatusMapping
	f, err := os.Open(path)
	if err != nil {
		return m, fmt.Errorf("open status mapping: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ";", 2)
		if len(parts) != 2 {
			return m, fmt.Errorf("status mapping %s:%d: want status;block, got %q", path, lineNo, line)
		}
		status := strings.TrimSpace(parts[0])
		switch strings.TrimSpace(parts[1]) {
		case "discovery":
			m.Discovery = append(m.Discovery, status)
		case "done":
			m.Done = append(m.Done, status)
		case "pause":
			m.Pause = append(m.Pause, status)
		case "external_test":
			m.ExternalTest = append(m.ExternalTest, status)
		case "ready_for_dev":
			m.ReadyForDev = status
		case "in_work":
			m.InWork = status
		case "testing":
			m.Testing = status
		}
	}
	if err := scanner.Err(); err != nil {
		return m, fmt.Errorf("read status mapping: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m *StatusMapping) applyDefaults() {
	def := DefaultStatusMapping()
	if m.ReadyForDev == "" {
		m.ReadyForDev = def.ReadyForDev
	}
	if m.InWork == "" {
		m.InWork = def.InWork
	}
	if m.Testing == "" {
		m.Testing = def.Testing
	}
	if len(m.Done) == 0 {
		m.Done = def.Done
	}
}
