package feed

// Agent → daemon message types.
const (
	TypeHello = "hello"
	TypeFrame = "frame"
	TypeEnded = "ended"
)

// Daemon → agent message types.
const (
	TypeCapture = "capture"
	TypeEnable  = "enable"
	TypeProbe   = "probe"
)

// Frame formats.
const (
	FormatU8    = "u8"
	FormatPCM16 = "pcm16"
	FormatOpus  = "opus"
	FormatJPEG  = "jpeg"
	FormatPNG   = "png"
)

// AgentMessage is sent by a capture agent.
//
//	{"type":"hello","permission":true}
//	{"type":"frame","format":"u8","data":"<base64>","sample_rate":48000,"channels":1,"probe":false}
//	{"type":"ended"}
//
// hello reports whether the capture context was granted access to the
// device. ended reports that the track stopped while the agent stays
// attached.
type AgentMessage struct {
	Type       string `json:"type"`
	Permission *bool  `json:"permission,omitempty"`
	Format     string `json:"format,omitempty"`
	Data       []byte `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Probe      bool   `json:"probe,omitempty"`
}

// DaemonMessage is sent to a capture agent.
//
//	{"type":"capture","enabled":true}   start or stop capturing for a lease
//	{"type":"enable","enabled":false}   toggle the track's enabled flag
//	{"type":"probe"}                    answer with one frame flagged probe
type DaemonMessage struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func boolPtr(v bool) *bool { return &v }
