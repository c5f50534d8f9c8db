package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"opsline/internal/domain"
)

// Setting keys read from the settings table.
const (
	KeyTriggerStatus       = "automationTriggerStatus"
	KeyLegacyTriggerStatus = "automationLegacyTriggerStatus"
	KeyTaskType            = "automationTaskType"
	KeyTaskPriority        = "automationTaskPriority"
	KeyInitialStatus       = "automationInitialStatus"
	KeyQuantityDefault     = "automationQuantityDefault"
	KeyQuantityUrgent      = "automationQuantityUrgent"
	KeyProductionStatus    = "automationProductionStatus"
	KeyTypeMap             = "automationTypeMap"
	KeyAllowDegraded       = "autoDistribuicaoScoreSemDisponiveis"
	KeyMinScore            = "automationMinScore"
	KeyPollSeconds         = "automationPollSeconds"
)

// automationDefaults is the single source of default values for every automation key.
var automationDefaults = map[string]string{
	KeyTriggerStatus:       "released_for_production",
	KeyLegacyTriggerStatus: "released",
	KeyTaskType:            "production",
	KeyTaskPriority:        domain.PriorityMedium,
	KeyInitialStatus:       domain.TaskAwaitingAllocation,
	KeyQuantityDefault:     "1",
	KeyQuantityUrgent:      "2",
	KeyProductionStatus:    "in_production",
	KeyTypeMap:             `{"inbound":"unloading","outbound":"loading","transfer":"production"}`,
	KeyAllowDegraded:       "false",
	KeyMinScore:            "20",
	KeyPollSeconds:         "30",
}

// Automation is the typed automation configuration for one batch.
type Automation struct {
	TriggerStatus       string
	LegacyTriggerStatus string
	TaskType            string
	TaskPriority        string
	InitialStatus       string
	QuantityDefault     int
	QuantityUrgent      int
	ProductionStatus    string
	TypeMap             map[string]string
	AllowDegraded       bool
	MinScore            int
	PollInterval        time.Duration
}

// AutomationDefaults returns the configuration used when no settings are stored.
func AutomationDefaults() Automation {
	a, _ := ResolveAutomation(nil)
	return a
}

// DefaultSetting returns the default raw value for an automation key.
func DefaultSetting(key string) (string, bool) {
	v, ok := automationDefaults[key]
	return v, ok
}

// DefaultSettings returns every automation key with its default value, sorted by key.
func DefaultSettings() []domain.Setting {
	keys := []string{
		KeyAllowDegraded, KeyInitialStatus, KeyLegacyTriggerStatus, KeyMinScore, KeyPollSeconds,
		KeyProductionStatus, KeyQuantityDefault, KeyQuantityUrgent, KeyTaskPriority, KeyTaskType,
		KeyTriggerStatus, KeyTypeMap,
	}
	res := make([]domain.Setting, 0, len(keys))
	for _, k := range keys {
		res = append(res, domain.Setting{Key: k, Value: automationDefaults[k]})
	}
	return res
}

// ResolveAutomation converts the flat settings bag into a typed Automation.
// Invalid values fall back to their default; the returned error lists them and is meant to be logged.
func ResolveAutomation(settings []domain.Setting) (Automation, error) {
	raw := make(map[string]string, len(automationDefaults))
	for k, v := range automationDefaults {
		raw[k] = v
	}
	for _, s := range settings {
		if _, known := automationDefaults[s.Key]; !known {
			continue
		}
		if strings.TrimSpace(s.Value) == "" {
			continue
		}
		raw[s.Key] = strings.TrimSpace(s.Value)
	}

	var errs []error
	str := func(key string) string { return raw[key] }
	positiveInt := func(key string, min int) int {
		n, err := strconv.Atoi(raw[key])
		if err != nil || n < min {
			errs = append(errs, fmt.Errorf("%s: invalid value %q", key, raw[key]))
			n, _ = strconv.Atoi(automationDefaults[key])
		}
		return n
	}

	a := Automation{
		TriggerStatus:       str(KeyTriggerStatus),
		LegacyTriggerStatus: str(KeyLegacyTriggerStatus),
		TaskType:            str(KeyTaskType),
		TaskPriority:        str(KeyTaskPriority),
		InitialStatus:       str(KeyInitialStatus),
		QuantityDefault:     positiveInt(KeyQuantityDefault, 1),
		QuantityUrgent:      positiveInt(KeyQuantityUrgent, 1),
		ProductionStatus:    str(KeyProductionStatus),
		MinScore:            positiveInt(KeyMinScore, 0),
		PollInterval:        time.Duration(positiveInt(KeyPollSeconds, 1)) * time.Second,
	}

	switch a.TaskPriority {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
	default:
		errs = append(errs, fmt.Errorf("%s: invalid value %q", KeyTaskPriority, a.TaskPriority))
		a.TaskPriority = automationDefaults[KeyTaskPriority]
	}
	// automation-created work units must enter the allocation flow
	switch a.InitialStatus {
	case domain.TaskCreated, domain.TaskAwaitingAllocation:
	default:
		errs = append(errs, fmt.Errorf("%s: invalid value %q", KeyInitialStatus, a.InitialStatus))
		a.InitialStatus = automationDefaults[KeyInitialStatus]
	}

	allow, err := strconv.ParseBool(raw[KeyAllowDegraded])
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: invalid value %q", KeyAllowDegraded, raw[KeyAllowDegraded]))
		allow = false
	}
	a.AllowDegraded = allow

	a.TypeMap = map[string]string{}
	if err := json.Unmarshal([]byte(raw[KeyTypeMap]), &a.TypeMap); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyTypeMap, err))
		a.TypeMap = map[string]string{}
		_ = json.Unmarshal([]byte(automationDefaults[KeyTypeMap]), &a.TypeMap)
	}

	return a, errors.Join(errs...)
}
