package protocol

// Message codes carried in Header.Code on the agent channel.
const (
	CodeResponse int32 = 0
	CodeTaskAck  int32 = 1

	CodeHeartbeat          int32 = -1
	CodeHeartbeatVersioned int32 = -2
	CodeAgentOffline       int32 = -3

	CodeProfilerFileStart int32 = 504
	CodeProfilerFileChunk int32 = 505
	CodeProfilerFileEnd   int32 = 506
	CodeProfilerFileError int32 = 507
)

// Header flags.
const (
	FlagNone int32 = 0
	FlagEnd  int32 = 1
)

// Well known header properties.
const (
	PropStatus   = "status"
	PropFileName = "file"
	PropMessage  = "message"
	PropAgentID  = "agent_id"
)
