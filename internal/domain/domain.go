package domain

import "time"

type Instrument struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// ObservingBlock is either a container of child blocks or a leaf holding frames.
type ObservingBlock struct {
	ID             string     `json:"id"`
	Instrument     string     `json:"instrument"`
	Mode           string     `json:"mode"`
	Object         string     `json:"object,omitempty"`
	ParentID       *string    `json:"parent_id,omitempty"`
	StartTime      time.Time  `json:"start_time" format:"date-time"`
	CompletionTime *time.Time `json:"completion_time,omitempty" format:"date-time"`
}

type Frame struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	OBID           string     `json:"ob_id"`
	Object         string     `json:"object,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty" format:"date-time"`
	ExposureTime   float64    `json:"exposure_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty" format:"date-time"`
	UUID           string     `json:"uuid,omitempty"`
}

type TaskState string

const (
	TaskRunning  TaskState = "RUNNING"
	TaskFinished TaskState = "FINISHED"
)

// Task is one recipe execution attempt against an observing block.
type Task struct {
	ID             string     `json:"id"`
	OBID           string     `json:"ob_id"`
	State          TaskState  `json:"state" enum:"RUNNING,FINISHED"`
	StartTime      time.Time  `json:"start_time" format:"date-time"`
	CompletionTime *time.Time `json:"completion_time,omitempty" format:"date-time"`
}

// DataProduct is a recipe output promoted to a first-class, taggable catalog entry.
// Path is relative to the catalog base directory.
type DataProduct struct {
	ID              string     `json:"id"`
	Instrument      string     `json:"instrument"`
	Datatype        string     `json:"datatype"`
	TaskID          string     `json:"task_id"`
	ResultID        string     `json:"result_id,omitempty"`
	UUID            string     `json:"uuid"`
	ObservationDate *time.Time `json:"observation_date,omitempty" format:"date-time"`
	QC              QC         `json:"qc"`
	Priority        int        `json:"priority"`
	Path            string     `json:"path"`
	CreatedAt       time.Time  `json:"created_at" format:"date-time"`
}

type ReductionResult struct {
	ID         string                 `json:"id"`
	Instrument string                 `json:"instrument"`
	Pipeline   string                 `json:"pipeline"`
	Mode       string                 `json:"mode"`
	Recipe     string                 `json:"recipe"`
	TaskID     string                 `json:"task_id"`
	OBID       string                 `json:"ob_id"`
	QC         QC                     `json:"qc"`
	Values     []ReductionResultValue `json:"values"`
	CreatedAt  time.Time              `json:"created_at" format:"date-time"`
}

// ReductionResultValue is one output slot of a result, promoted or not.
type ReductionResultValue struct {
	Name     string `json:"name"`
	Datatype string `json:"datatype"`
	Path     string `json:"path"`
}

// RecipeParameter is keyed by (instrument, pipeline, mode, name).
type RecipeParameter struct {
	ID         int64  `json:"id"`
	Instrument string `json:"instrument"`
	Pipeline   string `json:"pipeline"`
	Mode       string `json:"mode"`
	Name       string `json:"name"`
}

type RecipeParameterValue struct {
	ID          string    `json:"id"`
	ParameterID int64     `json:"parameter_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
