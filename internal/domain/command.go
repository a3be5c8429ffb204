package domain

import "fmt"

// CommandCode identifies a diagnostic command in the current code space.
type CommandCode int

const (
	CmdArthas        CommandCode = 100
	CmdJStack        CommandCode = 101
	CmdThreadCPU     CommandCode = 102
	CmdHeapHisto     CommandCode = 103
	CmdProfilerStart CommandCode = 110
	CmdProfilerStop  CommandCode = 111
	CmdProfilerState CommandCode = 112
	CmdListDownload  CommandCode = 120
	CmdDownloadFile  CommandCode = 121
	CmdRefreshTip    CommandCode = 130

	// Control commands act on an already registered task whose id is
	// carried in RequestData.Command.
	CmdCancel CommandCode = 900
	CmdPause  CommandCode = 901
	CmdResume CommandCode = 902
)

var commandNames = map[CommandCode]string{
	CmdArthas:        "arthas",
	CmdJStack:        "jstack",
	CmdThreadCPU:     "thread_cpu",
	CmdHeapHisto:     "heap_histo",
	CmdProfilerStart: "profiler_start",
	CmdProfilerStop:  "profiler_stop",
	CmdProfilerState: "profiler_state",
	CmdListDownload:  "list_download",
	CmdDownloadFile:  "download_file",
	CmdRefreshTip:    "refresh_tip",
	CmdCancel:        "cancel",
	CmdPause:         "pause",
	CmdResume:        "resume",
}

// legacyCodes maps codes sent by old UI builds to the current code space.
var legacyCodes = map[int]CommandCode{
	10: CmdArthas,
	11: CmdJStack,
	12: CmdThreadCPU,
	13: CmdHeapHisto,
	20: CmdProfilerStart,
	21: CmdProfilerStop,
	22: CmdProfilerState,
	30: CmdListDownload,
	31: CmdDownloadFile,
	40: CmdRefreshTip,
	-1: CmdCancel,
	-2: CmdPause,
	-3: CmdResume,
}

func (c CommandCode) Name() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

func (c CommandCode) String() string { return c.Name() }

func (c CommandCode) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

func (c CommandCode) IsControl() bool {
	return c == CmdCancel || c == CmdPause || c == CmdResume
}

// CommandCodeFromLegacy resolves a request type to the current code space.
// Current codes resolve to themselves; anything else must be rejected.
func CommandCodeFromLegacy(code int) (CommandCode, bool) {
	if c := CommandCode(code); c.Valid() {
		return c, true
	}
	c, ok := legacyCodes[code]
	return c, ok
}
