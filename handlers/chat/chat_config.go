package chat

// ChatConfig controls the conversation handler: persona identity, history
// bound, and the degraded reply used when inference fails.
type ChatConfig struct {
	// SpeakerName is the persona's name, also stripped from replies before
	// synthesis (e.g. "Eva").
	SpeakerName string `json:"speaker_name"`
	// Persona is the identity description placed at the top of the system
	// preamble.
	Persona string `json:"persona"`
	// MaxHistory is the maximum number of turns retained and summarized.
	MaxHistory int `json:"max_history"`
	// FallbackReply is returned verbatim when the language model fails.
	FallbackReply string `json:"fallback_reply"`
}

// DefaultConfig returns a ChatConfig with the companion persona defaults.
func DefaultConfig() ChatConfig {
	return ChatConfig{
		SpeakerName:   "Eva",
		Persona:       "You are Eva, a romantic AI wife.",
		MaxHistory:    50,
		FallbackReply: "Sorry, I encountered an error.",
	}
}
