package models

import "time"

// Worker statuses.
const (
	WorkerStatusOnline  = "online"
	WorkerStatusOffline = "offline"
)

// Worker represents a remote worker instance holding the authenticated
// connection for one controlled account. Endpoint is the dynamically
// assigned address the dispatcher uses for synchronous commands.
type Worker struct {
	BotUserID     int64  `gorm:"primaryKey"`
	Endpoint      string `gorm:"size:256;not null"`
	Status        string `gorm:"size:16;index"`
	StartedAt     time.Time
	LastHeartbeat time.Time `gorm:"index"`
}

// TableName implements the GORM tabler interface.
func (Worker) TableName() string { return "workers" }
