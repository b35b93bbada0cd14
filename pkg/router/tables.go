package router

import "github.com/psyche-network/training-indexer/pkg/analysis"

// NewCoordinator routes instructions of the training run coordinator
// program. Every instruction targets the run's coordinator instance account.
func NewCoordinator() *Router {
	r := newRouter(analysis.KindRun, "coordinator_instance")

	r.Register("init_coordinator", Identity("params.run_id"), Admin)
	r.Register("update", Admin, FinishIf("progress"))
	r.Register("set_paused", Admin)
	r.Register("set_future_epoch_rates", Admin)
	r.Register("update_client_version", Admin)
	r.Register("free_coordinator", Admin, Finish)

	r.Register("join_run", Join)
	r.Register("witness", Witness)
	r.Register("warmup_witness", Witness)
	r.Register("checkpoint", Important)

	// state machine ticks, nothing to record besides the change itself
	r.Register("tick")
	r.Register("health_check")

	return r
}

// NewMiningPool routes instructions of the mining pool program.
func NewMiningPool() *Router {
	r := newRouter(analysis.KindPool, "pool")

	r.Register("pool_create", Identity("params.index"), Admin)
	r.Register("pool_update", Admin)
	r.Register("pool_extract", Admin)
	r.Register("pool_claimable", Admin)

	r.Register("lender_create", Join)
	r.Register("lender_deposit", Deposit("params.collateral_amount"))
	r.Register("lender_claim", Claim("params.redeemable_amount"))

	return r
}
