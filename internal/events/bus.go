// Package events implements the per-engine synchronous publish/subscribe bus.
// Listeners run on the emitting goroutine in subscription order; a panicking
// listener is recovered and logged so siblings and the emitter continue.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/catalog-cache/internal/logging"
)

// Name 是事件名。
type Name string

const (
	Save              Name = "save"
	Load              Name = "load"
	Clear             Name = "clear"
	ClearAll          Name = "clear_all"
	Expired           Name = "expired"
	Evicted           Name = "evicted"
	Error             Name = "error"
	DownloadQueued    Name = "download_queued"
	DownloadStart     Name = "download_start"
	DownloadProgress  Name = "download_progress"
	DownloadRetry     Name = "download_retry"
	DownloadComplete  Name = "download_complete"
	DownloadError     Name = "download_error"
	DownloadCancelled Name = "download_cancelled"
	SyncChecked       Name = "sync_checked"
	SyncUpdated       Name = "sync_updated"
	SyncError         Name = "sync_error"
	QuotaWarning      Name = "quota_warning"

	// Any 订阅全部事件。
	Any Name = "*"
)

// Event 是一次通知。Data 的内容随事件类型变化。
type Event struct {
	Name    Name           `json:"name"`
	Section string         `json:"section,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// Listener 接收事件。
type Listener func(Event)

type subscription struct {
	id       string
	name     Name
	listener Listener
	once     bool
}

// Bus 是按事件名分组的观察者注册表，每个引擎实例一份。
type Bus struct {
	log *logrus.Entry
	now func() time.Time

	mu   sync.RWMutex
	subs map[Name][]*subscription
	byID map[string]*subscription
}

// NewBus 创建事件总线；logger 为空时 listener panic 不会输出日志。
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		log:  logging.Component(logger, "events"),
		now:  time.Now,
		subs: make(map[Name][]*subscription),
		byID: make(map[string]*subscription),
	}
}

// On 注册 listener 并返回订阅 id，供 Off 使用。
func (b *Bus) On(name Name, listener Listener) string {
	return b.add(name, listener, false)
}

// Once 注册只触发一次的 listener。
func (b *Bus) Once(name Name, listener Listener) string {
	return b.add(name, listener, true)
}

func (b *Bus) add(name Name, listener Listener, once bool) string {
	sub := &subscription{id: xid.New().String(), name: name, listener: listener, once: once}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Off 取消订阅，id 不存在时返回 false。
func (b *Bus) Off(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) bool {
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	list := b.subs[sub.name]
	for i, s := range list {
		if s == sub {
			b.subs[sub.name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.name]) == 0 {
		delete(b.subs, sub.name)
	}
	return true
}

// ListenerCount 返回某事件名下的订阅数量（不含 Any）。
func (b *Bus) ListenerCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

// Emit 同步分发事件；Time 为空时自动填充。
func (b *Bus) Emit(evt Event) {
	if b == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = b.now()
	}

	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[evt.Name])+len(b.subs[Any]))
	targets = append(targets, b.subs[evt.Name]...)
	if evt.Name != Any {
		targets = append(targets, b.subs[Any]...)
	}
	for _, sub := range targets {
		if sub.once {
			b.removeLocked(sub.id)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.dispatch(sub, evt)
	}
}

// EmitSection 是 Emit 的便捷形式。
func (b *Bus) EmitSection(name Name, section string, data map[string]any) {
	b.Emit(Event{Name: name, Section: section, Data: data})
}

func (b *Bus) dispatch(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"action":       "listener_panic",
				"event":        string(evt.Name),
				"section":      evt.Section,
				"subscription": sub.id,
			}).Error(fmt.Sprint(r))
		}
	}()
	sub.listener(evt)
}
