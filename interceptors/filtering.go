package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/millegrilles/messages-go/messaging"
)

// MessageFilter decides whether a message reaches the callback
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *messaging.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens to a filtered message
type SkipBehavior int

const (
	// SkipSilently drops the message without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns an error for the message
	SkipWithError
	// SkipWithLog logs the dropped message
	SkipWithLog
)

// FilteringInterceptor stops messages rejected by its filter
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       slog.Default(),
	}
}

// WithLogger sets the logger used by SkipWithLog
func (i *FilteringInterceptor) WithLogger(logger *slog.Logger) *FilteringInterceptor {
	if logger != nil {
		i.logger = logger
	}
	return i
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *messaging.Message, module *messaging.Module, next messaging.MessageCallback) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("message filtered: routingKey=%s, queue=%s", msg.RoutingKey, msg.Queue)
		case SkipWithLog:
			i.logger.Info("message filtered", "routingKey", msg.RoutingKey, "queue", msg.Queue)
		}
		return nil
	}

	return next(ctx, msg, module)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// RoutingKeyFilter accepts routing keys matching one of its patterns.
// Patterns use the topic exchange syntax: words separated by dots,
// * matches one word and # matches zero or more words.
type RoutingKeyFilter struct {
	patterns [][]string
}

// NewRoutingKeyFilter creates a filter for patterns
func NewRoutingKeyFilter(patterns ...string) *RoutingKeyFilter {
	f := &RoutingKeyFilter{}
	for _, pattern := range patterns {
		f.patterns = append(f.patterns, strings.Split(pattern, "."))
	}
	return f
}

// ShouldProcess implements MessageFilter
func (f *RoutingKeyFilter) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	words := strings.Split(msg.RoutingKey, ".")
	for _, pattern := range f.patterns {
		if matchWords(pattern, words) {
			return true, nil
		}
	}
	return false, nil
}

func matchWords(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for skip := 0; skip <= len(words); skip++ {
			if matchWords(pattern[1:], words[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchWords(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchWords(pattern[1:], words[1:])
	}
}

// CompositeFilter requires every filter to accept the message
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates an AND filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter accepts the message when any filter does
type OrFilter struct {
	filters []MessageFilter
}

// NewOrFilter creates an OR filter
func NewOrFilter(filters ...MessageFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *OrFilter) ShouldProcess(ctx context.Context, msg *messaging.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
