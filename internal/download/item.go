package download

import (
	"fmt"
	"strings"
	"time"
)

// Priority 决定队列顺序，数值越大越优先。
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority 解析 LOW/MEDIUM/HIGH（不区分大小写），空串视为 MEDIUM。
func ParsePriority(raw string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LOW":
		return PriorityLow, nil
	case "MEDIUM", "":
		return PriorityMedium, nil
	case "HIGH":
		return PriorityHigh, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", raw)
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status 是 QueueItem 的状态机：PENDING → DOWNLOADING → {COMPLETED | FAILED | CANCELLED}。
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDownloading Status = "DOWNLOADING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// Terminal 表示状态不会再变化。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// QueueItem 是一个 section 的下载任务快照。
type QueueItem struct {
	ID          string    `json:"id"`
	Section     string    `json:"section"`
	URL         string    `json:"url"`
	Priority    Priority  `json:"priority"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Retries     int       `json:"retries"`
	LastError   string    `json:"lastError,omitempty"`
	Bytes       int64     `json:"bytes"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}
