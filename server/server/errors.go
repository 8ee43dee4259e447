package server

import (
	"errors"

	"github.com/ducks/shellcast/server/download"
	"github.com/ducks/shellcast/server/engine"
	"github.com/ducks/shellcast/server/protocol"
	"github.com/ducks/shellcast/server/transport"
)

func errorKind(err error) string {
	switch {
	case errors.Is(err, transport.ErrCancelled):
		return protocol.ErrorKindCancelled
	case errors.Is(err, transport.ErrInvalidState), errors.Is(err, engine.ErrNoSink):
		return protocol.ErrorKindState
	case errors.Is(err, download.ErrStorage):
		return protocol.ErrorKindStorage
	case errors.Is(err, download.ErrNetwork):
		return protocol.ErrorKindNetwork
	case errors.Is(err, engine.ErrSeek):
		return protocol.ErrorKindSeek
	case errors.Is(err, engine.ErrDecode):
		return protocol.ErrorKindDecode
	default:
		return protocol.ErrorKindUnknown
	}
}
