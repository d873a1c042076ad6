package services

// AssociationCounter reports how many DIMSE associations are established.
type AssociationCounter interface {
	ActiveAssociations() int
}

// Status is the health-status document served on /health/status.
type Status struct {
	ActiveDimseConnections int               `json:"activeDimseConnections"`
	Services               map[string]string `json:"services"`
}

// HealthReporter derives readiness and liveness from the supervisor's
// per-service states.
type HealthReporter struct {
	supervisor *Supervisor
	scp        AssociationCounter
}

// NewHealthReporter wires a reporter over a supervisor and the SCP.
func NewHealthReporter(supervisor *Supervisor, scp AssociationCounter) *HealthReporter {
	return &HealthReporter{supervisor: supervisor, scp: scp}
}

// Ready reports healthy iff every service is Running.
func (h *HealthReporter) Ready() bool {
	states := h.supervisor.States()
	if len(states) == 0 {
		return false
	}
	for _, state := range states {
		if state != StateRunning {
			return false
		}
	}
	return true
}

// Live reports healthy iff no service has died.
func (h *HealthReporter) Live() bool {
	for _, state := range h.supervisor.States() {
		if state == StateCancelled {
			return false
		}
	}
	return true
}

// Status returns the active DIMSE connection count and the per-service map.
func (h *HealthReporter) Status() Status {
	return Status{
		ActiveDimseConnections: h.scp.ActiveAssociations(),
		Services:               h.supervisor.States(),
	}
}
