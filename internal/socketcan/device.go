//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-isotp-server/internal/can"
)

// Device is a bound raw CAN socket carrying classic frames.
type Device struct {
	fd int
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		if err != unix.ENOPROTOOPT { // pre-FD kernels
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// SetFilter restricts reception to the given 11-bit ids. An empty list
// restores the kernel default of receiving everything.
func (d *Device) SetFilter(ids []uint16) error {
	if len(ids) == 0 {
		f := []unix.CanFilter{{Id: 0, Mask: 0}}
		return unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, f)
	}
	filters := make([]unix.CanFilter, 0, len(ids))
	for _, id := range ids {
		// match the id exactly and only as a standard data frame
		filters = append(filters, unix.CanFilter{
			Id:   uint32(id) & can.CAN_SFF_MASK,
			Mask: can.CAN_SFF_MASK | can.CAN_EFF_FLAG | can.CAN_RTR_FLAG,
		})
	}
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
		return fmt.Errorf("set CAN_RAW_FILTER: %w", err)
	}
	return nil
}

// struct can_frame (linux/can.h), host byte order:
//
//	can_id u32 [0:4] | can_dlc u8 [4] | pad [5:8] | data [8:16]
type rawFrame [unix.CAN_MTU]byte

func (b *rawFrame) frame() can.Frame {
	var fr can.Frame
	fr.CANID = binary.NativeEndian.Uint32(b[0:4])
	fr.Len = uint8(copy(fr.Data[:], b[8:8+min(int(b[4]), can.MaxDataLen)]))
	return fr
}

func marshalFrame(fr can.Frame) rawFrame {
	var b rawFrame
	binary.NativeEndian.PutUint32(b[0:4], fr.CANID)
	b[4] = uint8(copy(b[8:], fr.Payload()))
	return b
}

// ReadFrame blocks for the next classic frame.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var b rawFrame
	n, err := unix.Read(d.fd, b[:])
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short read: %d", n)
	}
	*fr = b.frame()
	return nil
}

func (d *Device) WriteFrame(fr can.Frame) error {
	b := marshalFrame(fr)
	_, err := unix.Write(d.fd, b[:])
	return err
}
