package database

import (
	"time"

	"gorm.io/datatypes"
)

var entities = []interface{}{
	Snapshot{},
	QuarantinedSnapshot{},
}

// Snapshot is the saved state of one program.
type Snapshot struct {
	ProgramAddress string `gorm:"primaryKey;type:varchar(64)"`
	Kind           string `gorm:"type:varchar(16)"`
	Version        int
	Document       datatypes.JSON
	UpdatedAt      time.Time
}

// QuarantinedSnapshot keeps a snapshot that could not be read, for
// inspection. The document is kept as text since it may not even be JSON.
type QuarantinedSnapshot struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	ProgramAddress string `gorm:"type:varchar(64);index"`
	Version        int
	Document       string    `gorm:"type:text"`
	Reason         string    `gorm:"type:text"`
	QuarantinedAt  time.Time `gorm:"index"`
}

func (QuarantinedSnapshot) TimestampQuery() string {
	return "quarantined_at < ?"
}
