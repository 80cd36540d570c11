package metric

// MetricItem is one module's contribution to the node metric set. Modules
// keep their own counters and render a snapshot on demand.
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
