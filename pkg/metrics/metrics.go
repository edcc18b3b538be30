package metrics

/*
Labels and so on for metrics used in scand.
*/

const (
	Namespace = "dockpeek"

	LabelCache   = "cache"
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for scan metrics
	LabelOutcome = "outcome"
	LabelResult  = "result"
	LabelJob     = "job"
)
