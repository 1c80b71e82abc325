package offcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking: NetworkFallback runs on
// the request path. Wrap slow sinks with hooks/async.
type Hooks interface {
	// A manager moved between lifecycle states.
	StateChanged(generation string, from, to State)

	// Install failed on url (err wraps the network or status failure).
	PrecacheFailed(generation, url string, err error)

	// The network failed for key; hit reports whether the cache answered.
	NetworkFallback(generation, key string, hit bool)

	// Activation deleted a stale generation.
	GenerationSwept(current, swept string)

	// Activation could not list or delete a generation; name is empty when
	// listing failed.
	SweepFailed(current, name string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) StateChanged(string, State, State)    {}
func (NopHooks) PrecacheFailed(string, string, error) {}
func (NopHooks) NetworkFallback(string, string, bool) {}
func (NopHooks) GenerationSwept(string, string)       {}
func (NopHooks) SweepFailed(string, string, error)    {}
