package logger

// Standard field keys for structured logging. Use these keys consistently
// across log statements so that job and host activity can be correlated in
// aggregated logs.
const (
	// Host inventory
	KeyHost     = "host"     // hostname (devices.csv column 1)
	KeyMAC      = "mac"      // canonical MAC address
	KeyIP       = "ip"       // IPv4 address or "DHCP"
	KeySchool   = "school"   // school identifier
	KeyGroup    = "group"    // hostgroup / start.conf id
	KeyPath     = "path"     // filesystem path
	KeyCount    = "count"    // generic element count
	KeyDuration = "duration" // elapsed time

	// Changelog / delta feed
	KeyCursor = "cursor" // "<ts>:<seq>" cursor
	KeyEntity = "entity" // changelog entity type
	KeyAction = "action" // upsert | delete | snapshot

	// Worker
	KeyOperation = "operation"  // operations-API operation id
	KeyJobType   = "job_type"   // macct_repair | provision_host
	KeyMessageID = "message_id" // stream message id
	KeyAttempt   = "attempt"    // retry attempt counter
	KeyBatch     = "batch"      // provision batch size

	// API edge
	KeyClientIP = "client_ip"
	KeyToken    = "token_prefix" // never log full tokens
	KeyStatus   = "status"
	KeyError    = "error"
)
