package api

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Listen returns the listener handed over by a supervisor through
// NPCSIM_INHERIT_FD=1 (fd from NPCSIM_FD, default 3), or a fresh TCP listener
// on addr.
func Listen(addr string) (net.Listener, error) {
	ln, err := ListenerFromEnv()
	if err != nil {
		return nil, err
	}
	if ln != nil {
		return ln, nil
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func ListenerFromEnv() (net.Listener, error) {
	if os.Getenv("NPCSIM_INHERIT_FD") != "1" {
		return nil, nil
	}
	fdStr := os.Getenv("NPCSIM_FD")
	if fdStr == "" {
		fdStr = "3"
	}
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return nil, fmt.Errorf("failed to create listener file")
	}
	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	return ln, nil
}
