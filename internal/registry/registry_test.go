package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	r := Default()

	assert.Equal(t, 10, r.BasePriority(domain.AgentTypeCustomerService))
	assert.Equal(t, 5, r.BasePriority(domain.AgentTypeSales))
	assert.Equal(t, 3, r.BasePriority(domain.AgentTypeWebinar))
	assert.Equal(t, 1, r.BasePriority(domain.AgentTypeLeadNurture))
	assert.Equal(t, 0, r.BasePriority("nope"))
	assert.Len(t, r.Types(), 9)

	cs, ok := r.Lookup(domain.AgentTypeCustomerService)
	require.True(t, ok)
	assert.Equal(t, IndefiniteDays, cs.ExpirationDays)

	assert.Equal(t, HelpModeFloor, r.HelpModePriority())
}

func TestHelpModePriority_StaysAboveReconfiguredTypes(t *testing.T) {
	r, err := New([]domain.AgentType{
		{ID: domain.AgentTypeCustomerService, BasePriority: 10, ExpirationDays: IndefiniteDays},
		{ID: domain.AgentTypeSales, BasePriority: 12, ExpirationDays: 60},
	})
	require.NoError(t, err)
	assert.Equal(t, 13, r.HelpModePriority())
}

func TestLoad_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	body := `
agent_types:
  - id: sales_agent
    base_priority: 11
  - id: webinar
    expiration_days: 14
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	r, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 11, r.BasePriority(domain.AgentTypeSales))
	webinar, _ := r.Lookup(domain.AgentTypeWebinar)
	assert.Equal(t, 3, webinar.BasePriority)
	assert.Equal(t, 14, webinar.ExpirationDays)
	assert.Equal(t, 12, r.HelpModePriority())
	assert.Equal(t, domain.AgentTypeSales, r.Types()[0].ID)
}

func TestLoad_RejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent_types:\n  - id: pirate\n    base_priority: 4\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown agent type")
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	r, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, r.BasePriority(domain.AgentTypeSales))
}

func TestNew_Validation(t *testing.T) {
	_, err := New([]domain.AgentType{{ID: "", ExpirationDays: 1}})
	assert.Error(t, err)

	_, err = New([]domain.AgentType{{ID: domain.AgentTypeSales, ExpirationDays: 0}})
	assert.Error(t, err)

	_, err = New([]domain.AgentType{{ID: domain.AgentTypeSales, ExpirationDays: IndefiniteDays + 1}})
	assert.Error(t, err)

	_, err = New([]domain.AgentType{
		{ID: domain.AgentTypeSales, ExpirationDays: 1},
		{ID: domain.AgentTypeSales, ExpirationDays: 1},
	})
	assert.Error(t, err)
}

func TestLoad_RejectsOverlongExpiration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`agent_types:
  - id: sales_agent
    expiration_days: 110000
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
