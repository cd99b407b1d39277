package confcache

// Hooks are lightweight callbacks for high-signal events. Implementations
// MUST be cheap and non-blocking; the engine calls them on hot paths.
type Hooks interface {
	// A put was ignored because the cached version was newer.
	// source ∈ {"put", "feed"}
	StaleWriteIgnored(key Key, incoming, cached uint64, source string)

	// A change event could not be decoded; the key was invalidated instead.
	EventDecodeFailed(key Key, version uint64, err error)

	// The change stream for a collection dropped and was resubscribed;
	// the collection's cached entries were invalidated.
	FeedResync(collection string, attempt int)

	// A second-level entry was dropped on read.
	// reason ∈ {"corrupt", "stale", "value_decode"}
	L2SelfHeal(storageKey, reason string)

	// The worker queue was full and a submission failed fast.
	Saturated(kind string)

	// A reload session reached a terminal phase.
	// phase ∈ {"committed", "rolled_back"}
	ReloadFinished(sessionID string, scope []string, phase string, err error)

	// A translation key fell back past every bundle and rendered as itself.
	MissingTranslation(set, language, key string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) StaleWriteIgnored(Key, uint64, uint64, string)  {}
func (NopHooks) EventDecodeFailed(Key, uint64, error)           {}
func (NopHooks) FeedResync(string, int)                         {}
func (NopHooks) L2SelfHeal(string, string)                      {}
func (NopHooks) Saturated(string)                               {}
func (NopHooks) ReloadFinished(string, []string, string, error) {}
func (NopHooks) MissingTranslation(string, string, string)      {}
