package interfaces

// FrameSender is the only path to the shared socket.
// ARCHITECTURAL DISCOVERY: components never hold the raw connection; every
// outbound frame goes through the connection manager's Send contract
type FrameSender interface {
	// Send JSON-encodes frame and writes it as a text frame.
	// Returns types.ErrNotConnected when the socket is not open.
	Send(frame interface{}) error
}
