package protocol

// Client to server.
const (
	OpIdentify uint8 = 0
	OpPlay     uint8 = 2
	OpPause    uint8 = 3
	OpResume   uint8 = 4
	OpStop     uint8 = 5
	OpSeek     uint8 = 6
	OpPing     uint8 = 8
	OpVolume   uint8 = 9
	OpStatus   uint8 = 10
	OpChapter  uint8 = 11
)

// Server to client.
const (
	OpReady        uint8 = 0
	OpPlayerUpdate uint8 = 1
	OpTrackStart   uint8 = 2
	OpTrackEnd     uint8 = 3
	OpTrackError   uint8 = 4
	OpPong         uint8 = 7
	OpNodeDraining uint8 = 9
)

const (
	TrackEndReasonFinished = "finished"
	TrackEndReasonStopped  = "stopped"
	TrackEndReasonReplaced = "replaced"
	TrackEndReasonError    = "error"
)

const (
	ErrorKindNetwork   = "network"
	ErrorKindStorage   = "storage"
	ErrorKindDecode    = "decode"
	ErrorKindSeek      = "seek"
	ErrorKindState     = "state"
	ErrorKindCancelled = "cancelled"
	ErrorKindUnknown   = "unknown"
)
