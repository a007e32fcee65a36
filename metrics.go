package saga

import "time"

// Metrics captures engine-level telemetry.
type Metrics interface {
	// AddStarted increments the count of started sagas.
	AddStarted(count int)
	// AddCompleted increments the count of sagas that reached COMPLETED.
	AddCompleted(count int)
	// AddCompensated increments the count of sagas that reached COMPENSATED.
	AddCompensated(count int)
	// AddFailed increments the count of sagas that reached FAILED.
	AddFailed(count int)
	// AddDispatched increments the count of commands staged in the outbox.
	AddDispatched(count int)
	// AddRetries increments the count of step retries after timeouts.
	AddRetries(count int)
	// AddPublished increments the count of outbox messages published by the relay.
	AddPublished(count int)
	// AddPublishErrors increments the count of failed publish attempts.
	AddPublishErrors(count int)
	// ObserveBatchDuration records the time the relay took to process a batch.
	ObserveBatchDuration(duration time.Duration)
	// SetPending updates the current undispatched outbox message count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// AddStarted implements Metrics.
func (NopMetrics) AddStarted(int) {}

// AddCompleted implements Metrics.
func (NopMetrics) AddCompleted(int) {}

// AddCompensated implements Metrics.
func (NopMetrics) AddCompensated(int) {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed(int) {}

// AddDispatched implements Metrics.
func (NopMetrics) AddDispatched(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddPublished implements Metrics.
func (NopMetrics) AddPublished(int) {}

// AddPublishErrors implements Metrics.
func (NopMetrics) AddPublishErrors(int) {}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
