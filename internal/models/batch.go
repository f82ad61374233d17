package models

// Batch is one flush worth of rows, written in a single transaction.
type Batch struct {
	Events []InputEvent
	Frames []FrameTimestamp
	Health []SessionHealth
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return len(b.Events) == 0 && len(b.Frames) == 0 && len(b.Health) == 0
}

// Size is the total row count across tables.
func (b Batch) Size() int {
	return len(b.Events) + len(b.Frames) + len(b.Health)
}
