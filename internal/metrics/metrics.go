package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control loop, pick cycle and homing collectors, exposed on /metrics.

var (
	// Control loop
	ControlTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "control",
		Name:      "ticks_total",
		Help:      "Total control loop ticks",
	})

	ControlOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "control",
		Name:      "overruns_total",
		Help:      "Ticks whose work took longer than the tick period",
	})

	ControlTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "transfer_arm",
		Subsystem: "control",
		Name:      "tick_duration_seconds",
		Help:      "Control loop tick processing duration",
		Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
	})

	OutputErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "control",
		Name:      "output_errors_total",
		Help:      "Failed hardware reads and writes",
	}, []string{"source"})

	// Axes
	AxisPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transfer_arm",
		Subsystem: "axis",
		Name:      "position_steps",
		Help:      "Current axis position in steps",
	}, []string{"axis"})

	AxisStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "axis",
		Name:      "steps_total",
		Help:      "Step pulses emitted",
	}, []string{"axis"})

	// Pick cycle
	CycleState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transfer_arm",
		Subsystem: "cycle",
		Name:      "state",
		Help:      "Current pick cycle state, in nominal order (0 = Idle)",
	})

	CycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "cycle",
		Name:      "transitions_total",
		Help:      "State transitions by target state",
	}, []string{"to"})

	CyclesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "cycle",
		Name:      "completed_total",
		Help:      "Pick cycles that returned to Idle",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "transfer_arm",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Wall time from start trigger to Idle",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 30},
	})

	EmergencyStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "cycle",
		Name:      "emergency_stops_total",
		Help:      "Emergency stops and forced state changes to Idle",
	})

	// Homing
	HomingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "homing",
		Name:      "runs_total",
		Help:      "Homing runs by scope and result",
	}, []string{"scope", "result"})

	// Collaborators
	ManualCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transfer_arm",
		Subsystem: "manual",
		Name:      "commands_total",
		Help:      "Manual commands by action and result",
	}, []string{"action", "result"})

	DashboardClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transfer_arm",
		Subsystem: "web",
		Name:      "clients",
		Help:      "Connected dashboard websocket clients",
	})
)
