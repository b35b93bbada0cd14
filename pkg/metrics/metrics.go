package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "training_indexer"

var (
	instructionsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instructions_routed_total",
		Help:      "Instructions folded into the analysis store",
	}, []string{"program", "instruction"})

	instructionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instructions_failed_total",
		Help:      "Instructions that could not be decoded or routed",
	}, []string{"program", "stage"})

	instructionsUnknown = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instructions_unknown_total",
		Help:      "Instructions with no registered processor",
	}, []string{"program"})

	signaturesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signatures_processed_total",
		Help:      "Signatures recorded in the checkpoint",
	}, []string{"program", "request"})

	reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Account snapshots fetched during reconciliation, by result",
	}, []string{"program", "result"})

	checkpointsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_saved_total",
		Help:      "State documents persisted",
	}, []string{"program"})

	trackedEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_entities",
		Help:      "Entities kept in the analysis store",
	}, []string{"program"})

	retainedSamples = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retained_samples",
		Help:      "Samples kept after the last aggregation pass",
	}, []string{"program"})

	historyComplete = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "history_complete",
		Help:      "1 once every reachable signature of the program was processed",
	}, []string{"program"})
)

// Program records the metrics of one indexed program.
type Program struct {
	address string
}

func ForProgram(address string) Program {
	return Program{address: address}
}

func (p Program) Routed(instruction string) {
	instructionsRouted.WithLabelValues(p.address, instruction).Inc()
}

// Failed counts an instruction dropped at stage, "decode" or "route".
func (p Program) Failed(stage string) {
	instructionsFailed.WithLabelValues(p.address, stage).Inc()
}

func (p Program) Unknown() {
	instructionsUnknown.WithLabelValues(p.address).Inc()
}

func (p Program) SignaturesProcessed(request string, n int) {
	signaturesProcessed.WithLabelValues(p.address, request).Add(float64(n))
}

func (p Program) Reconciled(fetched, closed, failed int) {
	reconciliations.WithLabelValues(p.address, "fetched").Add(float64(fetched))
	reconciliations.WithLabelValues(p.address, "closed").Add(float64(closed))
	reconciliations.WithLabelValues(p.address, "failed").Add(float64(failed))
}

func (p Program) CheckpointSaved() {
	checkpointsSaved.WithLabelValues(p.address).Inc()
}

func (p Program) Entities(n int) {
	trackedEntities.WithLabelValues(p.address).Set(float64(n))
}

func (p Program) Samples(n int) {
	retainedSamples.WithLabelValues(p.address).Set(float64(n))
}

func (p Program) HistoryComplete(complete bool) {
	v := 0.0
	if complete {
		v = 1
	}
	historyComplete.WithLabelValues(p.address).Set(v)
}
