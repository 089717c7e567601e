package metrics

import "expvar"

var (
	TicksIngested = expvar.NewInt("ticks_ingested")
	TicksInvalid  = expvar.NewInt("ticks_invalid")
	QuotesApplied = expvar.NewInt("quotes_applied")
	ViEvents      = expvar.NewInt("vi_events")
	FillsApplied  = expvar.NewInt("fills_applied")
	SnapshotSaves = expvar.NewInt("snapshot_saves")
	SnapshotLoads = expvar.NewInt("snapshot_loads")
)
