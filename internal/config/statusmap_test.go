package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStatusMappingLines(t *testing.T) {
	path := writeFile(t, "mapping.txt", `
# workflow classification
Discovery backlog;discovery
Done;done
Closed;done
Paused;pause
External test;external_test
Ready for dev;ready_for_dev
In progress;in_work
Testing;testing
Backlog;ordering
`)
	m, err := LoadStatusMapping(path)
	require.NoError(t, err)

	assert.True(t, m.IsDiscovery("Discovery backlog"))
	assert.True(t, m.IsDone("Done"))
	assert.True(t, m.IsDone("Closed"))
	assert.True(t, m.IsPause("Paused"))
	assert.True(t, m.IsExternalTest("External test"))
	assert.Equal(t, "Ready for dev", m.ReadyForDev)
	assert.Equal(t, "In progress", m.InWork)
	assert.Equal(t, "Testing", m.Testing)

	// Unknown blocks are ignored, not errors.
	assert.False(t, m.IsDiscovery("Backlog"))
	assert.False(t, m.IsDone("Backlog"))
}

func TestLoadStatusMappingYAML(t *testing.T) {
	path := writeFile(t, "mapping.yaml", `
discovery: ["Исследование"]
done: ["Done", "Выполнено"]
pause: ["Приостановлено"]
external_test: ["Внешний тест"]
ready_for_dev: "Готова к разработке"
`)
	m, err := LoadStatusMapping(path)
	require.NoError(t, err)

	assert.True(t, m.IsDone("Выполнено"))
	assert.True(t, m.IsExternalTest("Внешний тест"))
	assert.Equal(t, "Готова к разработке", m.ReadyForDev)

	// Anchors missing from the file come from the defaults.
	def := DefaultStatusMapping()
	assert.Equal(t, def.InWork, m.InWork)
	assert.Equal(t, def.Testing, m.Testing)
}

func TestStatusMappingValidate(t *testing.T) {
	assert.Error(t, StatusMapping{Done: []string{"Done"}}.Validate(),
		"missing ready_for_dev must fail")
	assert.Error(t, StatusMapping{ReadyForDev: "Ready"}.Validate(),
		"missing done set must fail")
	assert.NoError(t, DefaultStatusMapping().Validate())
}
