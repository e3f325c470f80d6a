package router

// Priority orders pending requests within a device's backlog.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// highPriorityMethods jump the queue: they are latency-sensitive
// user-facing actions.
var highPriorityMethods = map[string]bool{
	"Runtime.evaluate":       true,
	"Page.navigate":          true,
	"Target.activateTarget":  true,
}

// lowPriorityMethods are housekeeping calls issued once per session
// that can wait behind anything else queued for the device.
var lowPriorityMethods = map[string]bool{
	"Log.enable":     true,
	"Runtime.enable": true,
	"Page.enable":    true,
}

// priorityForMethod classifies a CDP method into a backlog priority.
func priorityForMethod(method string) Priority {
	if highPriorityMethods[method] {
		return PriorityHigh
	}
	if lowPriorityMethods[method] {
		return PriorityLow
	}
	return PriorityNormal
}
