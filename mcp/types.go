package mcp

// LatestProtocolVersion is the newest protocol revision the gateway speaks.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists every revision the gateway will negotiate,
// newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedProtocolVersion reports whether v is a revision the gateway speaks.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// LoggingLevel is the syslog-style severity used by notifications/message.
type LoggingLevel string

const (
	LoggingLevelDebug   LoggingLevel = "debug"
	LoggingLevelInfo    LoggingLevel = "info"
	LoggingLevelNotice  LoggingLevel = "notice"
	LoggingLevelWarning LoggingLevel = "warning"
	LoggingLevelError   LoggingLevel = "error"
)

// ImplementationInfo identifies a client or server implementation.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// ClientCapabilities describes what the connecting client supports. The
// gateway records it but only consults it for logging.
type ClientCapabilities struct {
	Roots    map[string]any `json:"roots,omitempty"`
	Sampling map[string]any `json:"sampling,omitempty"`
}

// ToolsServerCapability advertises the tools capability.
type ToolsServerCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities advertises what this server supports.
type ServerCapabilities struct {
	Tools   *ToolsServerCapability `json:"tools,omitempty"`
	Logging map[string]any         `json:"logging,omitempty"`
}

// ContentBlock is a single block of tool result content. The gateway only
// emits text blocks.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SchemaProperty is a simplified JSON Schema property used in tool schemas.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
}

// ToolInputSchema is the object schema describing a tool's arguments.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// Tool is a tool descriptor advertised via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}
