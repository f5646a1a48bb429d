package llm

// Config contains the completion provider client configuration.
// Timeout covers connect and write for every call plus the read of
// non-streaming responses; streaming reads are intentionally unbounded
// because the provider may idle between chunks.
type Config struct {
	BaseURL             string `env:"LLM_API_BASE"             envDefault:"http://127.0.0.1:8080/v1"`
	APIKey              string `env:"LLM_API_KEY"`
	Timeout             int    `env:"LLM_TIMEOUT"              envDefault:"30"`
	TraceEnabled        bool   `env:"LLM_TRACE_ENABLED"        envDefault:"false"`
	AttachmentsDir      string `env:"LLM_ATTACHMENTS_DIR"      envDefault:"./attachments"`
	AttachmentsEndpoint string `env:"LLM_ATTACHMENTS_ENDPOINT"`
}
