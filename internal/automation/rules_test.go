package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"opsline/internal/config"
	"opsline/internal/domain"
)

func TestShouldTrigger(t *testing.T) {
	cfg := config.AutomationDefaults()
	note := domain.Note{ID: "n1", Status: "released_for_production", DestinationWorkFrontID: "f1"}

	assert.True(t, ShouldTrigger(note, true, cfg))
	assert.False(t, ShouldTrigger(note, false, cfg), "non-privileged actor")

	legacy := note
	legacy.Status = "released"
	assert.True(t, ShouldTrigger(legacy, true, cfg), "legacy status")

	noFront := note
	noFront.DestinationWorkFrontID = " "
	assert.False(t, ShouldTrigger(noFront, true, cfg))

	other := note
	other.Status = "draft"
	assert.False(t, ShouldTrigger(other, true, cfg))

	cfg.LegacyTriggerStatus = ""
	empty := note
	empty.Status = ""
	assert.False(t, ShouldTrigger(empty, true, cfg))
}

func TestTriggerStatuses(t *testing.T) {
	cfg := config.AutomationDefaults()
	assert.Equal(t, []string{"released_for_production", "released"}, TriggerStatuses(cfg))
	cfg.LegacyTriggerStatus = cfg.TriggerStatus
	assert.Equal(t, []string{"released_for_production"}, TriggerStatuses(cfg))
}

func TestResolveType(t *testing.T) {
	cfg := config.AutomationDefaults()
	assert.Equal(t, "unloading", ResolveType(domain.Note{Type: "inbound"}, cfg))
	assert.Equal(t, "loading", ResolveType(domain.Note{Type: " Outbound "}, cfg))
	assert.Equal(t, "production", ResolveType(domain.Note{Type: "mystery"}, cfg))
	assert.Equal(t, "production", ResolveType(domain.Note{}, cfg))

	cfg.TaskType = ""
	assert.Equal(t, "production", ResolveType(domain.Note{Type: "mystery"}, cfg))
}

func TestResolveRequiredCountAndPriority(t *testing.T) {
	cfg := config.AutomationDefaults()
	assert.Equal(t, 2, ResolveRequiredCount(domain.Note{Priority: domain.PriorityUrgent}, cfg))
	assert.Equal(t, 1, ResolveRequiredCount(domain.Note{Priority: domain.PriorityHigh}, cfg))
	cfg.QuantityDefault = 0
	assert.Equal(t, 1, ResolveRequiredCount(domain.Note{}, cfg))

	assert.Equal(t, domain.PriorityUrgent, ResolvePriority(domain.Note{Priority: domain.PriorityUrgent}, cfg))
	assert.Equal(t, domain.PriorityMedium, ResolvePriority(domain.Note{Priority: domain.PriorityLow}, cfg))
}
