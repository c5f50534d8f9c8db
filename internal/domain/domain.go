package domain

// Worker statuses.
const (
	WorkerAvailable   = "available"
	WorkerBusy        = "busy"
	WorkerUnavailable = "unavailable"
	WorkerOnLeave     = "on_leave"
	WorkerOnVacation  = "on_vacation"
)

// Work unit statuses.
const (
	TaskCreated            = "created"
	TaskAwaitingAllocation = "awaiting_allocation"
	TaskInProgress         = "in_progress"
	TaskPaused             = "paused"
	TaskCompleted          = "completed"
	TaskCancelled          = "cancelled"
)

// Priorities shared by notes and work units.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// CategoryProduction marks work fronts whose work advances notes into production.
const CategoryProduction = "production"

// Entity kinds used by the change feed, the audit log and cache invalidation.
const (
	KindWorker    = "workers"
	KindFront     = "fronts"
	KindTask      = "tasks"
	KindNote      = "notes"
	KindChecklist = "checklists"
	KindExecution = "executions"
	KindSetting   = "settings"
)

type Worker struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Status         string   `json:"status" enum:"available,busy,unavailable,on_leave,on_vacation"`
	Capacity       int      `json:"capacity"`
	ActiveCount    int      `json:"active_count"`
	CompletedCount int      `json:"completed_count"`
	WorkFronts     []string `json:"work_fronts"`
	Active         bool     `json:"active"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// HasFront reports whether the worker is attached to the given front.
func (w Worker) HasFront(frontID string) bool {
	for _, id := range w.WorkFronts {
		if id == frontID {
			return true
		}
	}
	return false
}

type WorkFront struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkUnit is a trackable piece of assigned work. It is stored in the tasks table.
type WorkUnit struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Priority        string   `json:"priority" enum:"low,medium,high,urgent"`
	WorkFrontID     string   `json:"work_front_id"`
	AssignedWorkers []string `json:"assigned_workers"`
	AssignedNames   []string `json:"assigned_names"`
	RequiredCount   int      `json:"required_count"`
	Status          string   `json:"status" enum:"created,awaiting_allocation,in_progress,paused,completed,cancelled"`
	SourceEventID   *string  `json:"source_event_id,omitempty"`
	ChecklistID     *string  `json:"checklist_id,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

// Note is an upstream delivery note whose status changes drive automation.
type Note struct {
	ID                     string `json:"id"`
	Number                 string `json:"number"`
	Type                   string `json:"type"`
	Status                 string `json:"status"`
	Priority               string `json:"priority" enum:"low,medium,high,urgent"`
	DestinationWorkFrontID string `json:"destination_work_front_id,omitempty"`
	CreatedAt              string `json:"created_at" format:"date-time"`
	UpdatedAt              string `json:"updated_at" format:"date-time"`
}

type ChecklistItem struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	RequiresPhoto bool   `json:"requires_photo,omitempty"`
}

type ChecklistTemplate struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	TaskType  string          `json:"task_type"`
	Active    bool            `json:"active"`
	Items     []ChecklistItem `json:"items"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type ChecklistResponse struct {
	ItemID    string `json:"item_id"`
	Value     string `json:"value"`
	PhotoRef  string `json:"photo_ref,omitempty"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

// ChecklistExecution is the immutable remote record of a finished checklist.
type ChecklistExecution struct {
	ID         string              `json:"id"`
	TaskID     string              `json:"task_id"`
	Responses  []ChecklistResponse `json:"responses"`
	ExecutedBy string              `json:"executed_by"`
	ExecutedAt string              `json:"executed_at" format:"date-time"`
	CreatedAt  string              `json:"created_at" format:"date-time"`
}

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
