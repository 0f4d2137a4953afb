// Package metrics exports mirkv runtime accounting to Prometheus and serves
// the admin HTTP endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Byte counter directions
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	executorThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirkv_executor_threads",
			Help: "Number of executor worker goroutines.",
		},
		[]string{"executor"},
	)

	executorWorking = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirkv_executor_working",
			Help: "Number of executor workers running a task.",
		},
		[]string{"executor"},
	)

	executorQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mirkv_executor_queue_depth",
			Help: "Number of tasks waiting in the executor queue.",
		},
		[]string{"executor"},
	)

	executorTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirkv_executor_tasks_total",
			Help: "Total number of executor tasks by outcome.",
		},
		[]string{"executor", "result"},
	)

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mirkv_connections_active",
			Help: "Number of open client connections.",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirkv_commands_total",
			Help: "Total number of executed commands.",
		},
		[]string{"command"},
	)

	connectionBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirkv_connection_bytes_total",
			Help: "Total bytes read from and written to client sockets.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(executorThreads)
	prometheus.MustRegister(executorWorking)
	prometheus.MustRegister(executorQueueDepth)
	prometheus.MustRegister(executorTasksTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(connectionBytesTotal)
}

// Executor feeds the executor collectors for one named pool. It implements
// executor.Observer.
type Executor struct {
	threads prometheus.Gauge
	working prometheus.Gauge
	queued  prometheus.Gauge
	name    string
}

// NewExecutor returns the observer for the executor called name.
func NewExecutor(name string) *Executor {
	return &Executor{
		threads: executorThreads.WithLabelValues(name),
		working: executorWorking.WithLabelValues(name),
		queued:  executorQueueDepth.WithLabelValues(name),
		name:    name,
	}
}

// Gauges records the pool size, busy workers and queue depth.
func (e *Executor) Gauges(threads, working, queued int) {
	e.threads.Set(float64(threads))
	e.working.Set(float64(working))
	e.queued.Set(float64(queued))
}

// Task counts one task outcome.
func (e *Executor) Task(result string) {
	executorTasksTotal.WithLabelValues(e.name, result).Inc()
}

// Connections feeds the connection collectors. It implements both
// network.Observer and server.Observer.
type Connections struct {
	in  prometheus.Counter
	out prometheus.Counter
}

// NewConnections returns the connection observer.
func NewConnections() *Connections {
	return &Connections{
		in:  connectionBytesTotal.WithLabelValues(DirectionIn),
		out: connectionBytesTotal.WithLabelValues(DirectionOut),
	}
}

func (c *Connections) ConnectionOpened() { connectionsActive.Inc() }
func (c *Connections) ConnectionClosed() { connectionsActive.Dec() }

func (c *Connections) Command(name string) { commandsTotal.WithLabelValues(name).Inc() }
func (c *Connections) BytesRead(n int)     { c.in.Add(float64(n)) }
func (c *Connections) BytesWritten(n int)  { c.out.Add(float64(n)) }
