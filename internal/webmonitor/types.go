package webmonitor

// DisplayStats describes what the display has shown so far.
type DisplayStats struct {
	FramesShown uint64  `json:"frames_shown"`
	LastSeq     uint64  `json:"last_frame_seq"`
	LastFrameAt float64 `json:"last_frame_at"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	CurrentFPS  float64 `json:"current_fps"`
	Clients     int     `json:"clients"`
}

// CameraStats mirrors the camera client's connection history.
type CameraStats struct {
	DeviceName    string `json:"device_name"`
	IPAddress     string `json:"ip_address"`
	StreamURL     string `json:"stream_url"`
	Attempts      int    `json:"attempts"`
	Failures      int    `json:"failures"`
	Connected     bool   `json:"connected"`
	LastError     string `json:"last_error,omitempty"`
	BufferedBytes int    `json:"buffered_bytes"`
	BufferTrims   uint64 `json:"buffer_trims"`
}

// UploadStats mirrors the upload scheduler.
type UploadStats struct {
	Dispatched   uint64  `json:"dispatched"`
	LastDispatch float64 `json:"last_dispatch,omitempty"`
	InFlight     int     `json:"in_flight"`
	Workers      int     `json:"workers"`
	Sink         string  `json:"sink"`
}

// Status is the payload of /api/status and /api/status/stream.
type Status struct {
	Display   DisplayStats `json:"display"`
	Camera    *CameraStats `json:"camera,omitempty"`
	Upload    *UploadStats `json:"upload,omitempty"`
	Timestamp float64      `json:"timestamp"`
}
