package interfaces

// FrameHandler consumes one decoded, validated inbound frame. The payload is a
// pointer to the frame struct for its kind (e.g. *types.ChatMessageFrame).
type FrameHandler func(payload interface{}) error

// HandlerRegistrar attaches frame handlers to the message router.
// FUNCTIONAL DISCOVERY: route-scoped owners (the call controller) must be able
// to detach synchronously, so registration returns its own undo function
type HandlerRegistrar interface {
	Register(frameType string, handler FrameHandler) (unregister func())
}
