package history

import "time"

// RunModel is the GORM model of a finished run
type RunModel struct {
	ID              string    `gorm:"primaryKey"`
	Started         time.Time `gorm:"not null;index:idx_started"`
	Finished        time.Time `gorm:"not null"`
	Total           int       `gorm:"not null;default:0"`
	Completed       int       `gorm:"not null;default:0"`
	Errors          int       `gorm:"not null;default:0"`
	PeakConcurrency int       `gorm:"not null;default:0"`

	Updated  []UpdatedModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	Failures []FailureModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for GORM
func (RunModel) TableName() string { return "runs" }

// UpdatedModel is a target with at least one updated destination in a run
type UpdatedModel struct {
	ID     uint   `gorm:"primaryKey"`
	RunID  string `gorm:"not null;index:idx_updated_run"`
	Target string `gorm:"not null"`
	Name   string `gorm:"not null;default:''"`
}

// TableName specifies the table name for GORM
func (UpdatedModel) TableName() string { return "run_updated_targets" }

// FailureModel is a failed job of a run
type FailureModel struct {
	ID          uint   `gorm:"primaryKey"`
	RunID       string `gorm:"not null;index:idx_failure_run"`
	Target      string `gorm:"not null"`
	Name        string `gorm:"not null;default:''"`
	Destination string `gorm:"not null;default:''"`
	Kind        string `gorm:"not null;default:'primary';check:kind IN ('primary','backup')"`
	Class       string `gorm:"not null;default:''"`
	Message     string `gorm:"not null;default:''"`
}

// TableName specifies the table name for GORM
func (FailureModel) TableName() string { return "run_failures" }
