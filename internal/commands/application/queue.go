package application

import (
	"sort"
	"sync"
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
)

// deviceQueues holds the pending queue entries per device, ordered by
// priority (desc) then schedule time (asc). The structure is owned
// exclusively by the dispatcher.
type deviceQueues struct {
	mu       sync.Mutex
	byDevice map[int64][]commands.QueueEntry
}

func newDeviceQueues() *deviceQueues {
	return &deviceQueues{byDevice: make(map[int64][]commands.QueueEntry)}
}

// Push inserts an entry preserving (priority desc, scheduledAt asc) order.
func (q *deviceQueues) Push(entry commands.QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.Active = true
	queue := append(q.byDevice[entry.DeviceID], entry)
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority > queue[j].Priority
		}
		return queue[i].ScheduledAt.Before(queue[j].ScheduledAt)
	})
	q.byDevice[entry.DeviceID] = queue
}

// PopReady removes and returns the highest-priority entry for a device whose
// next attempt time has arrived, or nil.
func (q *deviceQueues) PopReady(deviceID int64, now time.Time) *commands.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.byDevice[deviceID]
	for i := range queue {
		if queue[i].NextAttemptAt.After(now) {
			continue
		}
		entry := queue[i]
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(q.byDevice, deviceID)
		} else {
			q.byDevice[deviceID] = queue
		}
		return &entry
	}
	return nil
}

// Contains reports whether a command already has a queue entry.
func (q *deviceQueues) Contains(commandID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queue := range q.byDevice {
		for i := range queue {
			if queue[i].CommandID == commandID {
				return true
			}
		}
	}
	return false
}

// Remove deletes the entry for a command, returning whether it was queued.
func (q *deviceQueues) Remove(commandID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for deviceID, queue := range q.byDevice {
		for i := range queue {
			if queue[i].CommandID != commandID {
				continue
			}
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(q.byDevice, deviceID)
			} else {
				q.byDevice[deviceID] = queue
			}
			return true
		}
	}
	return false
}

// Devices returns ids of devices with at least one queued entry.
func (q *deviceQueues) Devices() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int64, 0, len(q.byDevice))
	for id := range q.byDevice {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot copies the queue for one device, or for all devices when id is 0.
func (q *deviceQueues) Snapshot(deviceID int64) []commands.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []commands.QueueEntry
	if deviceID != 0 {
		out = append(out, q.byDevice[deviceID]...)
		return out
	}
	for _, queue := range q.byDevice {
		out = append(out, queue...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}
