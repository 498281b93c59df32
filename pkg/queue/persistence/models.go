package persistence

// queueRow and dlqRow are the gorm-mapped tables backing a single queue's
// sqlite file. The schema matches spec: queue(id, payload, priority,
// visible_at, attempts, created_at) plus an index ordering recovery scans
// by (visible_at asc, priority desc, created_at asc). delayed_until is
// carried explicitly (see design notes on Queue.Config) so a recovered
// scheduled message doesn't snap to immediately-visible.
type queueRow struct {
	ID           string `gorm:"primaryKey;column:id"`
	Payload      []byte `gorm:"column:payload"`
	Priority     uint8  `gorm:"column:priority;index:idx_queue_recovery,priority:2,sort:desc"`
	VisibleAt    int64  `gorm:"column:visible_at;index:idx_queue_recovery,priority:1,sort:asc"`
	Attempts     uint32 `gorm:"column:attempts"`
	CreatedAt    int64  `gorm:"column:created_at;index:idx_queue_recovery,priority:3,sort:asc"`
	DelayedUntil int64  `gorm:"column:delayed_until"`
}

func (queueRow) TableName() string { return "queue" }

type dlqRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	Payload   []byte `gorm:"column:payload"`
	Priority  uint8  `gorm:"column:priority"`
	Attempts  uint32 `gorm:"column:attempts"`
	CreatedAt int64  `gorm:"column:created_at"`
	FailedAt  int64  `gorm:"column:failed_at"`
	Error     string `gorm:"column:error"`
}

func (dlqRow) TableName() string { return "dlq" }
