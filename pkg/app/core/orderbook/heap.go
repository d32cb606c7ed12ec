package orderbook

// BidPriority reports whether bid a ranks ahead of bid b:
// higher price first, then lower submission sequence.
func BidPriority(a, b *Order) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	return a.Seq < b.Seq
}

// AskPriority reports whether ask a ranks ahead of ask b:
// lower price first, then lower submission sequence.
func AskPriority(a, b *Order) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Seq < b.Seq
}

// orderHeap implements heap.Interface over resting orders of one side.
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove).
type orderHeap struct {
	orders []*Order
	less   func(a, b *Order) bool
}

func newBidHeap() *orderHeap { return &orderHeap{less: BidPriority} }
func newAskHeap() *orderHeap { return &orderHeap{less: AskPriority} }

func (h *orderHeap) Len() int           { return len(h.orders) }
func (h *orderHeap) Less(i, j int) bool { return h.less(h.orders[i], h.orders[j]) }

func (h *orderHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
	h.orders[i].index = i
	h.orders[j].index = j
}

func (h *orderHeap) Push(x interface{}) {
	o := x.(*Order)
	o.index = len(h.orders)
	h.orders = append(h.orders, o)
}

func (h *orderHeap) Pop() interface{} {
	old := h.orders
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	o.index = -1
	h.orders = old[:n-1]
	return o
}

// Peek returns the top order without removing it
func (h *orderHeap) Peek() *Order {
	if len(h.orders) == 0 {
		return nil
	}
	return h.orders[0]
}
