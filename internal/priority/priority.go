// Package priority redirects download bandwidth toward the catalog section a
// consumer is actively looking at. It never touches storage; it only
// re-ranks the download queue and preempts transfers that are in the way.
package priority

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/download"
	"github.com/any-hub/catalog-cache/internal/logging"
)

// Queue 是 Priority Manager 对下载队列的最小依赖，由 download.Manager 实现。
type Queue interface {
	Item(section string) (download.QueueItem, bool)
	Queue() []download.QueueItem
	SetPriority(section string, priority download.Priority) bool
	Reprioritize(fn func(section string, current download.Priority) download.Priority)
	Preempt(section string) bool
	Resort()
}

// Status 描述当前的焦点 section 与队列快照。
type Status struct {
	Focus string               `json:"focus,omitempty"`
	Queue []download.QueueItem `json:"queue"`
}

// Manager 调整下载优先级。
type Manager struct {
	queue Queue
	log   *logrus.Entry

	mu    sync.Mutex
	focus string
}

func New(queue Queue, logger *logrus.Logger) *Manager {
	return &Manager{queue: queue, log: logging.Component(logger, "priority")}
}

// PrioritizeSection 将 section 提升为 HIGH，其余任务降为 LOW，并中止所有原本低于 HIGH
// 且正在下载的其它任务，使目标立即获得下载槽位。section 不在队列中时返回 false。
func (m *Manager) PrioritizeSection(section string) bool {
	target, ok := m.queue.Item(section)
	if !ok || target.Status.Terminal() {
		return false
	}

	m.mu.Lock()
	m.focus = section
	m.mu.Unlock()

	// 先记录降级前的优先级，原本就是 HIGH 的传输不被中止
	var preempt []string
	for _, item := range m.queue.Queue() {
		if item.Section == section || item.Status != download.StatusDownloading {
			continue
		}
		if item.Priority < download.PriorityHigh {
			preempt = append(preempt, item.Section)
		}
	}

	m.queue.Reprioritize(func(name string, _ download.Priority) download.Priority {
		if name == section {
			return download.PriorityHigh
		}
		return download.PriorityLow
	})

	preempted := 0
	for _, name := range preempt {
		if m.queue.Preempt(name) {
			preempted++
		}
	}
	m.queue.Resort()

	m.log.WithFields(logging.SectionFields("prioritize", section)).
		WithField("preempted", preempted).
		Info("section prioritized")
	return true
}

// Boost 仅在 priority 更高时提升 section 的优先级，不影响其它任务。
func (m *Manager) Boost(section string, priority download.Priority) bool {
	item, ok := m.queue.Item(section)
	if !ok || item.Status.Terminal() {
		return false
	}
	if priority <= item.Priority {
		return true
	}
	if !m.queue.SetPriority(section, priority) {
		return false
	}
	m.queue.Resort()
	return true
}

// Focus 返回最近一次被 PrioritizeSection 选中的 section。
func (m *Manager) Focus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.focus
}

func (m *Manager) Status() Status {
	return Status{Focus: m.Focus(), Queue: m.queue.Queue()}
}
