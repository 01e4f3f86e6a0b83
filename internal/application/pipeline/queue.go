package pipeline

// Default queue capacities.
const (
	DefaultHighCapacity   = 100
	DefaultNormalCapacity = 500
	DefaultLowCapacity    = 1000
)

// priorityQueues are three bounded FIFO queues. Dequeue always drains the
// most urgent non-empty tier first.
type priorityQueues struct {
	tiers [3]chan *LearningEvent
	wake  chan struct{}
}

func newPriorityQueues(high, normal, low, wakeSlots int) *priorityQueues {
	if wakeSlots <= 0 {
		wakeSlots = 1
	}
	return &priorityQueues{
		tiers: [3]chan *LearningEvent{
			make(chan *LearningEvent, high),
			make(chan *LearningEvent, normal),
			make(chan *LearningEvent, low),
		},
		wake: make(chan struct{}, wakeSlots),
	}
}

// tryEnqueue never blocks; it reports false when the tier is full.
func (q *priorityQueues) tryEnqueue(ev *LearningEvent) bool {
	select {
	case q.tiers[ev.Tier()] <- ev:
	default:
		return false
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue returns the next event in strict priority order, or nil.
func (q *priorityQueues) tryDequeue() *LearningEvent {
	for _, ch := range q.tiers {
		select {
		case ev := <-ch:
			return ev
		default:
		}
	}
	return nil
}

// QueueDepth reports the fill of one tier.
type QueueDepth struct {
	Tier     string `json:"tier"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// FillRatio is depth over capacity.
func (d QueueDepth) FillRatio() float64 {
	if d.Capacity == 0 {
		return 0
	}
	return float64(d.Depth) / float64(d.Capacity)
}

func (q *priorityQueues) depths() []QueueDepth {
	out := make([]QueueDepth, len(q.tiers))
	for i, ch := range q.tiers {
		out[i] = QueueDepth{Tier: Tier(i).String(), Depth: len(ch), Capacity: cap(ch)}
	}
	return out
}

func (q *priorityQueues) total() int {
	n := 0
	for _, ch := range q.tiers {
		n += len(ch)
	}
	return n
}
