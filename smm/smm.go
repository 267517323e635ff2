// Package smm decodes the communication buffer guest firmware uses to
// reach the variable service and routes each command to the engine.
// This is the only place that deals in UCS-2 framing and raw offsets;
// everything behind it works on Go strings and byte slices.
package smm

import (
	"context"
	"encoding/binary"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/varstored/go-varstored/efi/attributes"
	"github.com/varstored/go-varstored/efi/status"
	"github.com/varstored/go-varstored/efi/util"
	"github.com/varstored/go-varstored/engine"
)

// Commands understood by the variable service.
const (
	FunctionGetVariable         = 1
	FunctionGetNextVariableName = 2
	FunctionSetVariable         = 3
	FunctionQueryVariableInfo   = 4
	FunctionNotifyReady         = 5
	FunctionExitBootServices    = 6
)

// CommunicateGUID identifies variable-service messages in the
// communicate header.
var CommunicateGUID = util.MustGUID("ed32d533-99e6-4209-9cc0-2d72cdd998a7")

const (
	// communicate header: guid(16) || message_length(u64)
	headerSize = 24
	// function(u64) || return_status(u64)
	commandSize = 16
	bodyOffset  = headerSize + commandSize
)

var (
	ErrTruncated   = errors.New("communication buffer too short")
	ErrWrongTarget = errors.New("communicate header addresses another handler")
)

type Dispatcher struct {
	log logr.Logger
	eng *engine.Engine
}

func NewDispatcher(log logr.Logger, eng *engine.Engine) *Dispatcher {
	return &Dispatcher{log: log, eng: eng}
}

// Dispatch decodes one command from buf, runs it, and writes the
// results plus EFI status back in place. The returned error covers
// only transport-level garbage the guest can never see a status for.
func (d *Dispatcher) Dispatch(ctx context.Context, buf []byte) error {
	if len(buf) < bodyOffset {
		return ErrTruncated
	}
	if !util.CmpEFIGUID(*util.BytesToGUID(buf[0:16]), CommunicateGUID) {
		return ErrWrongTarget
	}
	msgLen := binary.LittleEndian.Uint64(buf[16:24])
	if msgLen < commandSize || msgLen > uint64(len(buf)-headerSize) {
		return errors.Wrapf(ErrTruncated, "message length %d in a %d byte buffer", msgLen, len(buf))
	}
	msg := buf[headerSize : headerSize+int(msgLen)]
	function := binary.LittleEndian.Uint64(msg[0:8])

	var st status.Status
	switch function {
	case FunctionGetVariable:
		st = d.getVariable(msg[commandSize:])
	case FunctionGetNextVariableName:
		st = d.getNextVariableName(msg[commandSize:])
	case FunctionSetVariable:
		st = d.setVariable(ctx, msg[commandSize:])
	case FunctionQueryVariableInfo:
		st = d.queryVariableInfo(msg[commandSize:])
	case FunctionNotifyReady:
		st = status.Success
	case FunctionExitBootServices:
		d.eng.ExitBootServices()
		st = status.Success
	default:
		d.log.V(1).Info("unknown function", "function", function)
		st = status.Unsupported
	}
	binary.LittleEndian.PutUint64(msg[8:16], uint64(st))
	return nil
}

// accessVariable is the shared body of GetVariable and SetVariable:
//
//	guid(16) || data_size(u64) || name_size(u64) || attributes(u32) ||
//	name (NUL-terminated UCS-2) || data
const accessFixed = 16 + 8 + 8 + 4

type accessVariable struct {
	guid     util.EFIGUID
	dataSize uint64
	nameSize uint64
	attrs    attributes.Attributes
	name     string
	body     []byte // the full body, for writing results back
}

func parseAccessVariable(body []byte) (*accessVariable, status.Status) {
	if len(body) < accessFixed {
		return nil, status.InvalidParameter
	}
	av := &accessVariable{body: body}
	av.guid = *util.BytesToGUID(body[0:16])
	av.dataSize = binary.LittleEndian.Uint64(body[16:24])
	av.nameSize = binary.LittleEndian.Uint64(body[24:32])
	av.attrs = attributes.Attributes(binary.LittleEndian.Uint32(body[32:36]))
	if av.nameSize > uint64(len(body)-accessFixed) {
		return nil, status.InvalidParameter
	}
	if av.dataSize > uint64(len(body)-accessFixed)-av.nameSize {
		return nil, status.InvalidParameter
	}
	name, err := util.DecodeUCS2Z(body[accessFixed : accessFixed+int(av.nameSize)])
	if err != nil {
		return nil, status.InvalidParameter
	}
	av.name = name
	return av, status.Success
}

func (av *accessVariable) data() []byte {
	off := accessFixed + int(av.nameSize)
	return av.body[off : off+int(av.dataSize)]
}

func (d *Dispatcher) getVariable(body []byte) status.Status {
	av, st := parseAccessVariable(body)
	if st != status.Success {
		return st
	}
	attrs, data, size, st := d.eng.Get(av.name, av.guid, int(av.dataSize))
	binary.LittleEndian.PutUint32(body[32:36], uint32(attrs))
	binary.LittleEndian.PutUint64(body[16:24], uint64(size))
	if st != status.Success {
		return st
	}
	copy(av.data()[:size], data)
	return status.Success
}

func (d *Dispatcher) setVariable(ctx context.Context, body []byte) status.Status {
	av, st := parseAccessVariable(body)
	if st != status.Success {
		return st
	}
	return d.eng.Set(ctx, av.name, av.guid, av.attrs, av.data())
}

// getNextVariableName body:
//
//	guid(16) || name_size(u64) || name (NUL-terminated UCS-2)
const nextFixed = 16 + 8

func (d *Dispatcher) getNextVariableName(body []byte) status.Status {
	if len(body) < nextFixed {
		return status.InvalidParameter
	}
	guid := *util.BytesToGUID(body[0:16])
	nameSize := binary.LittleEndian.Uint64(body[16:24])
	if nameSize < 2 || nameSize > uint64(len(body)-nextFixed) {
		return status.InvalidParameter
	}
	prev, err := ucs2z(body[nextFixed : nextFixed+int(nameSize)])
	if err != nil {
		return status.InvalidParameter
	}
	name, nextGUID, st := d.eng.Next(prev, guid)
	if st != status.Success {
		return st
	}
	encoded := append(util.EncodeUCS2(name), 0, 0)
	if uint64(len(encoded)) > nameSize {
		binary.LittleEndian.PutUint64(body[16:24], uint64(len(encoded)))
		return status.BufferTooSmall
	}
	if len(encoded) > len(body)-nextFixed {
		return status.InvalidParameter
	}
	copy(body[0:16], nextGUID.Bytes())
	binary.LittleEndian.PutUint64(body[16:24], uint64(len(encoded)))
	copy(body[nextFixed:], encoded)
	return status.Success
}

// ucs2z decodes a NUL-terminated UCS-2 string from the head of a
// buffer that may be larger than the string.
func ucs2z(b []byte) (string, error) {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return util.DecodeUCS2(b[:i])
		}
	}
	return "", errors.New("name has no terminator")
}

// queryVariableInfo body:
//
//	max_storage(u64) || remaining_storage(u64) || max_variable(u64) ||
//	attributes(u32)
const querySize = 8 + 8 + 8 + 4

func (d *Dispatcher) queryVariableInfo(body []byte) status.Status {
	if len(body) < querySize {
		return status.InvalidParameter
	}
	mask := attributes.Attributes(binary.LittleEndian.Uint32(body[24:28]))
	max, remaining, maxVar, st := d.eng.Query(mask)
	if st != status.Success {
		return st
	}
	binary.LittleEndian.PutUint64(body[0:8], max)
	binary.LittleEndian.PutUint64(body[8:16], remaining)
	binary.LittleEndian.PutUint64(body[16:24], maxVar)
	return status.Success
}
