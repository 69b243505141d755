package wlanif

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/soypat/seqs/stacks"
)

// StackInput returns an InputFunc that feeds received frames to a seqs port
// stack. mu serializes the stack's receive path with its transmit path and
// may be nil if the caller already does so. The stack copies what it keeps
// out of the frame, so the buffer is released as soon as it was processed.
func StackInput(stack *stacks.PortStack, padSize int, mu sync.Locker) InputFunc {
	if stack == nil {
		panic("stack is nil")
	}
	return func(buf *Buffer, ifc *NetIf) error {
		if buf.IsChained() {
			return errors.New("wlanif: chained frame on stack input")
		}
		data := buf.Payload()
		if len(data) < padSize {
			return ErrHeaderAdjust
		}
		if mu != nil {
			mu.Lock()
		}
		err := stack.RecvEth(data[padSize:])
		if mu != nil {
			mu.Unlock()
		}
		if err != nil {
			return err
		}
		buf.Release()
		return nil
	}
}

// linkOutputFunc returns an OutputFunc that sends an already complete frame
// over the interface's link output. seqs resolves neighbors itself and hands
// down finished ethernet frames for both address families.
func linkOutputFunc() OutputFunc {
	return func(ifc *NetIf, buf *Buffer, _ netip.Addr) error {
		return ifc.LinkOutput(buf)
	}
}
