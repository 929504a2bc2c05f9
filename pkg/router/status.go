package router

// Health values reported in RouterStatus.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// TransportStatus describes one attached transport.
type TransportStatus struct {
	Name       string `json:"name"`
	Connected  bool   `json:"connected"`
	QueueDepth int    `json:"queueDepth"`
}

// RouterStatus is a point-in-time snapshot. It is derived on each call.
type RouterStatus struct {
	Environment    string            `json:"environment"`
	NodeID         string            `json:"nodeId,omitempty"`
	Initialized    bool              `json:"initialized"`
	Subscribers    int               `json:"subscribers"`
	EventListeners int               `json:"eventListeners"`
	Transport      string            `json:"transport"`
	Connected      bool              `json:"connected"`
	QueueDepth     int               `json:"queueDepth"`
	PendingCalls   int               `json:"pendingCalls"`
	Transports     []TransportStatus `json:"transports"`
	Health         string            `json:"health"`
}
