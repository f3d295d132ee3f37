package frames

// Meta keys shared across frame producers and consumers.
const (
	MetaSessionID  = "session_id"
	MetaTraceID    = "trace_id"
	MetaSource     = "source"
	MetaReason     = "reason"
	MetaBand       = "band"
	MetaMode       = "mode"
	MetaGeneration = "generation"
	MetaText       = "text"
	MetaGain       = "gain"
	MetaPrompt     = "prompt"
)
