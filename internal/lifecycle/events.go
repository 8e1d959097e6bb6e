package lifecycle

// EventType tells status transitions from progress updates
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
)

// Event describes a change to a logical file
type Event struct {
	Type            EventType `json:"type"`
	FileID          int64     `json:"file_id"`
	ParentArchiveID *int64    `json:"parent_archive_id,omitempty"`
	Owner           string    `json:"owner"`
	Filename        string    `json:"filename"`
	Status          Status    `json:"status"`
	Size            int64     `json:"size"`
	CompletedSize   int64     `json:"completed_size"`
	TimeRemaining   int64     `json:"time_remaining"`
	Error           string    `json:"error,omitempty"`
}

// Observer receives file events. FileChanged is called on the processing
// goroutine and must not block.
type Observer interface {
	FileChanged(Event)
}

func newEvent(typ EventType, f *LogicalFile) Event {
	return Event{
		Type:            typ,
		FileID:          f.ID,
		ParentArchiveID: f.ParentArchiveID,
		Owner:           f.Owner,
		Filename:        f.Filename,
		Status:          f.Status,
		Size:            f.Size,
		CompletedSize:   f.CompletedSize,
		TimeRemaining:   f.TimeRemaining,
		Error:           f.Error,
	}
}
