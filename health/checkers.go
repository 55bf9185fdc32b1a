package health

import (
	"context"
	"time"

	"github.com/millegrilles/messages-go/messaging"
)

// ModuleChecker checks the broker connection and the consumers of a module
type ModuleChecker struct {
	module *messaging.Module
}

// NewModuleChecker creates a new module health checker
func NewModuleChecker(module *messaging.Module) *ModuleChecker {
	return &ModuleChecker{module: module}
}

func (c *ModuleChecker) Name() string {
	return "messaging"
}

func (c *ModuleChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "connected",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"producer_ready":  c.module.Producer().IsReady(),
			"producer_queued": c.module.Producer().QueueLen(),
		},
	}

	consumers := c.module.Consumers()
	if reply := c.module.ReplyConsumer(); reply != nil {
		consumers = append([]*messaging.Consumer{reply}, consumers...)
		result.Details["pending_replies"] = reply.PendingCorrelations()
	}

	states := make(map[string]string, len(consumers))
	for _, consumer := range consumers {
		name := consumer.Resource().Queue
		if name == "" {
			name = "reply"
		}
		state := consumer.State()
		states[name] = state.String()
		if state == messaging.StateStopped {
			result.Status = StatusUnhealthy
			result.Message = "consumer " + name + " stopped"
		}
	}
	result.Details["consumers"] = states

	if !c.module.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "broker connection down"
	} else if result.Status == StatusHealthy && !c.module.Producer().IsReady() {
		result.Status = StatusDegraded
		result.Message = "producer not ready"
	}

	return result
}
