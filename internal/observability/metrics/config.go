package metrics

// Config identifies the service on every instrument.
type Config struct {
	ServiceName string
	Environment string
}
