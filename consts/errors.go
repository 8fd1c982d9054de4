package consts

import "errors"

var (
	ErrInvalidArguments   = errors.New("invalid arguments")
	ErrInvalidDirectory   = errors.New("invalid directory path")
	ErrInvalidFlag        = errors.New("invalid message handling flag")
	ErrMessageFileMissing = errors.New("failed to read message file")

	ErrLogEntryCreate = errors.New("unable to create log entry")
	ErrLogDirRead     = errors.New("unable to read log directory")

	ErrTransportNotConfigured = errors.New("transport not configured")
	ErrTransportFailed        = errors.New("transport failed")
)
