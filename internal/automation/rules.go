// Package automation turns upstream notes into staffed work units.
package automation

import (
	"fmt"
	"strings"

	"opsline/internal/config"
	"opsline/internal/domain"
)

// ShouldTrigger reports whether a note should produce a work unit: the actor is privileged, the note
// names a destination front and its status is the configured trigger status or the legacy one.
func ShouldTrigger(n domain.Note, privileged bool, cfg config.Automation) bool {
	if !privileged {
		return false
	}
	if strings.TrimSpace(n.DestinationWorkFrontID) == "" {
		return false
	}
	return n.Status != "" && (n.Status == cfg.TriggerStatus || n.Status == cfg.LegacyTriggerStatus)
}

// TriggerStatuses lists the statuses a re-scan must look at.
func TriggerStatuses(cfg config.Automation) []string {
	statuses := []string{cfg.TriggerStatus}
	if cfg.LegacyTriggerStatus != "" && cfg.LegacyTriggerStatus != cfg.TriggerStatus {
		statuses = append(statuses, cfg.LegacyTriggerStatus)
	}
	return statuses
}

// ResolveType maps the note type to a work-unit type, falling back to the configured default.
func ResolveType(n domain.Note, cfg config.Automation) string {
	if t, ok := cfg.TypeMap[strings.ToLower(strings.TrimSpace(n.Type))]; ok && t != "" {
		return t
	}
	if cfg.TaskType != "" {
		return cfg.TaskType
	}
	return config.AutomationDefaults().TaskType
}

// ResolveRequiredCount returns how many workers a note's work unit needs.
func ResolveRequiredCount(n domain.Note, cfg config.Automation) int {
	count := cfg.QuantityDefault
	if n.Priority == domain.PriorityUrgent {
		count = cfg.QuantityUrgent
	}
	if count < 1 {
		return 1
	}
	return count
}

// ResolvePriority keeps urgent notes urgent and uses the configured priority otherwise.
func ResolvePriority(n domain.Note, cfg config.Automation) string {
	if n.Priority == domain.PriorityUrgent {
		return domain.PriorityUrgent
	}
	if cfg.TaskPriority == "" {
		return domain.PriorityMedium
	}
	return cfg.TaskPriority
}

func taskTitle(n domain.Note, taskType string) string {
	return fmt.Sprintf("%s for note %s", taskType, n.Number)
}
