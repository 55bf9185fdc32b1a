package messaging

import (
	"fmt"
	"sync"
)

// Binding ties a queue to one exchange with one routing key
type Binding struct {
	Exchange   string
	RoutingKey string
}

func (b Binding) String() string {
	return fmt.Sprintf("%s/%s", b.Exchange, b.RoutingKey)
}

// ExchangeConfiguration declares an exchange at connect time
type ExchangeConfiguration struct {
	Name string
	Type string
}

// ConsumptionResource describes a queue to declare and consume.
// An empty queue name asks the broker for a private reply queue.
type ConsumptionResource struct {
	Queue      string
	Bindings   []Binding
	Prefetch   int
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	// SingleFlight consumers hold at most one unprocessed message
	SingleFlight bool
	Arguments    map[string]interface{}
	Callback     MessageCallback

	mu     sync.RWMutex
	frozen bool
}

// ResourceOption configures a ConsumptionResource
type ResourceOption func(*ConsumptionResource)

// WithPrefetch sets the broker prefetch limit
func WithPrefetch(count int) ResourceOption {
	return func(r *ConsumptionResource) {
		r.Prefetch = count
	}
}

// WithDurable sets queue durability
func WithDurable(durable bool) ResourceOption {
	return func(r *ConsumptionResource) {
		r.Durable = durable
	}
}

// WithExclusive sets queue exclusivity
func WithExclusive(exclusive bool) ResourceOption {
	return func(r *ConsumptionResource) {
		r.Exclusive = exclusive
	}
}

// WithAutoDelete sets queue auto-delete
func WithAutoDelete(autoDelete bool) ResourceOption {
	return func(r *ConsumptionResource) {
		r.AutoDelete = autoDelete
	}
}

// WithSingleFlight rejects a delivery while another one is still buffered
func WithSingleFlight() ResourceOption {
	return func(r *ConsumptionResource) {
		r.SingleFlight = true
	}
}

// NewConsumptionResource creates a resource for queue. Leave queue empty for a reply queue.
func NewConsumptionResource(queue string, callback MessageCallback, options ...ResourceOption) *ConsumptionResource {
	r := &ConsumptionResource{
		Queue:    queue,
		Prefetch: 1,
		Callback: callback,
	}

	for _, opt := range options {
		opt(r)
	}

	if r.IsReplyQueue() {
		r.Durable = false
		r.Exclusive = true
		r.AutoDelete = true
	}

	return r
}

// IsReplyQueue reports whether the broker names this queue
func (r *ConsumptionResource) IsReplyQueue() bool {
	return r.Queue == ""
}

// AddBinding appends an exchange/routing key binding
func (r *ConsumptionResource) AddBinding(exchange, routingKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrResourceFrozen
	}
	r.Bindings = append(r.Bindings, Binding{Exchange: exchange, RoutingKey: routingKey})
	return nil
}

// SetTTL sets the queue message expiry in milliseconds
func (r *ConsumptionResource) SetTTL(ms int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrResourceFrozen
	}
	if r.Arguments == nil {
		r.Arguments = make(map[string]interface{})
	}
	r.Arguments["x-message-ttl"] = ms
	return nil
}

// freeze marks the resource as declared
func (r *ConsumptionResource) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Snapshot returns a copy of the bindings and arguments safe to read while declaring
func (r *ConsumptionResource) Snapshot() ([]Binding, map[string]interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bindings := make([]Binding, len(r.Bindings))
	copy(bindings, r.Bindings)

	var args map[string]interface{}
	if r.Arguments != nil {
		args = make(map[string]interface{}, len(r.Arguments))
		for k, v := range r.Arguments {
			args[k] = v
		}
	}
	return bindings, args
}
