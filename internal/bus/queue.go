package bus

import (
	"container/heap"

	"agentline/internal/domain"
)

// msgHeap orders messages by (priority, created_at, id).
type msgHeap []*domain.Message

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*domain.Message)) }

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

func (h *msgHeap) peek() *domain.Message {
	if h == nil || len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

func (h *msgHeap) push(m *domain.Message) { heap.Push(h, m) }

func (h *msgHeap) pop() *domain.Message { return heap.Pop(h).(*domain.Message) }

func before(a, b *domain.Message) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
