package types

const (
	APIBase          = "/api"
	EndpointSessions = "/sessions"
	EndpointSendText = "/sendText"
	EndpointAuthQR   = "/auth/qr"
	EndpointEvents   = "/ws"
)

// Session statuses reported by the gateway.
const (
	StatusStarting   = "STARTING"
	StatusScanQRCode = "SCAN_QR_CODE"
	StatusWorking    = "WORKING"
	StatusFailed     = "FAILED"
	StatusStopped    = "STOPPED"
)

// Event names delivered over webhooks and the event stream.
const (
	EventSessionStatus = "session.status"
	EventMessage       = "message"
)

// MetadataAuthRef is the session metadata key holding the owner account reference.
const MetadataAuthRef = "auth_ref"
