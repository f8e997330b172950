package queue

import (
	"container/list"
	"sync"

	"order-fulfillment/internal/util"
)

// Lane names used in status output and metrics
const (
	LanePriority = "priority"
	LaneRegular  = "regular"
)

// Status reports the depth of each lane
type Status struct {
	PriorityDepth int `json:"priority_queue_depth"`
	RegularDepth  int `json:"regular_queue_depth"`
	TotalDepth    int `json:"total_depth"`
}

// PriorityQueue holds order ids waiting to enter the saga. The priority lane is always
// drained first, so a steady stream of priority orders can starve the regular lane.
type PriorityQueue struct {
	mu       sync.Mutex
	priority *list.List
	regular  *list.List
}

// NewPriorityQueue creates an empty queue
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		priority: list.New(),
		regular:  list.New(),
	}
}

// EnqueuePriority appends an order to the priority lane
func (q *PriorityQueue) EnqueuePriority(orderID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.priority.PushBack(orderID)
	q.report()
}

// EnqueueRegular appends an order to the regular lane
func (q *PriorityQueue) EnqueueRegular(orderID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.regular.PushBack(orderID)
	q.report()
}

// Enqueue picks the lane from the VIP flag
func (q *PriorityQueue) Enqueue(orderID string, vip bool) {
	if vip {
		q.EnqueuePriority(orderID)
		return
	}
	q.EnqueueRegular(orderID)
}

// TryDequeue pops the next order id. isPriority tells which lane it came from;
// ok is false when both lanes are empty.
func (q *PriorityQueue) TryDequeue() (orderID string, isPriority bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if front := q.priority.Front(); front != nil {
		q.priority.Remove(front)
		q.report()
		return front.Value.(string), true, true
	}
	if front := q.regular.Front(); front != nil {
		q.regular.Remove(front)
		q.report()
		return front.Value.(string), false, true
	}
	return "", false, false
}

// Status returns the current lane depths
func (q *PriorityQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		PriorityDepth: q.priority.Len(),
		RegularDepth:  q.regular.Len(),
		TotalDepth:    q.priority.Len() + q.regular.Len(),
	}
}

// report must be called with mu held
func (q *PriorityQueue) report() {
	util.DispatchQueueDepth.WithLabelValues(LanePriority).Set(float64(q.priority.Len()))
	util.DispatchQueueDepth.WithLabelValues(LaneRegular).Set(float64(q.regular.Len()))
}
