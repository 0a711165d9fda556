package errors

import sterrors "errors"

var (
	ErrConfigRequired       = sterrors.New("meshbus: config is required")
	ErrLoggerRequired       = sterrors.New("meshbus: logger is required")
	ErrTransportRequired    = sterrors.New("meshbus: transport is required")
	ErrBusRequired          = sterrors.New("meshbus: bus is required")
	ErrRegistryRequired     = sterrors.New("meshbus: registry is required")
	ErrEnvelopeRequired     = sterrors.New("meshbus: envelope is required")
	ErrEnvelopeTypeRequired = sterrors.New("meshbus: envelope type is required")
	ErrServiceIDRequired    = sterrors.New("meshbus: service id is required")
	ErrServiceTypeRequired  = sterrors.New("meshbus: service type is required")
	ErrHandlerRequired      = sterrors.New("meshbus: handler function is required")
	ErrHandlerExists        = sterrors.New("meshbus: handler already registered for type")
	ErrEndpointClosed       = sterrors.New("meshbus: endpoint is closed")
	ErrEndpointNotStarted   = sterrors.New("meshbus: endpoint is not started")
	ErrBusClosed            = sterrors.New("meshbus: bus is closed")
	ErrConnClosed           = sterrors.New("meshbus: transport connection is closed")
	ErrParticipantRequired  = sterrors.New("meshbus: shutdown participant run function is required")
	ErrParticipantIDTaken   = sterrors.New("meshbus: shutdown participant id already registered")
	ErrAlreadyShuttingDown  = sterrors.New("meshbus: shutdown already in progress")
	ErrDiscoveryExhausted   = sterrors.New("meshbus: discovery attempts exhausted")
)
