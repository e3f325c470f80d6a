package registry

// Transport is the minimal surface the registry needs from a device's
// extension WebSocket so that neither the registry nor the router import
// gorilla/websocket directly. internal/relay supplies the concrete
// implementation wrapping *websocket.Conn; tests supply fakes.
type Transport interface {
	// WriteJSON writes a single framed message to the extension.
	WriteJSON(data []byte) error
	// Close closes the underlying connection with the given CDP/WS
	// close code and reason text.
	Close(code int, reason string) error
	// RemoteAddr returns the peer address for logging/diagnostics.
	RemoteAddr() string
}
