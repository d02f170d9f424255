package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_api_requests_total", Help: "Upstream API requests"},
		[]string{"endpoint", "status"},
	)
	HubRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_hub_requests_total", Help: "Device hub requests"},
		[]string{"endpoint", "outcome"},
	)
	CommandsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_commands_created_total", Help: "Commands created"},
		[]string{"command_type"},
	)
	CommandTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_command_transitions_total", Help: "Command status transitions"},
		[]string{"to"},
	)
	LeaseEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_lease_events_total", Help: "Lease lifecycle events"},
		[]string{"event"},
	)
	ChannelPublish = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_channel_publish_total", Help: "Group channel publish outcomes"},
		[]string{"result"},
	)
	ChannelLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "patientq_channel_publish_latency_seconds", Help: "Group channel publish latency"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_enqueue_total", Help: "Dispatch job enqueue results"},
		[]string{"result"},
	)
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "patientq_sweep_runs_total", Help: "Sweep task outcomes"},
		[]string{"task", "result"},
	)
	EligibleSelected = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "patientq_eligible_selected_total", Help: "Messages selected for dispatch"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, HubRequests, CommandsCreated, CommandTransitions,
		LeaseEvents, ChannelPublish, ChannelLatency, Enqueues,
		SweepRuns, EligibleSelected,
	)
}
