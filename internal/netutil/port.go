package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Hub fallback ports start two above the preferred port; the agent API
// defaults to the port right after the hub's.
const (
	HubFallbackOffset = 2
	HubFallbackSpan   = 3
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// fallback accepts a listener.
var ErrNoBindAddr = errors.New("no available bind address")

// FallbackAddrs lists the addresses on addr's host whose ports run from
// port+offset for span ports. Ports past 65535 are skipped.
func FallbackAddrs(addr string, offset, span int) ([]string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parse bind address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, fmt.Errorf("bind address %q needs a fixed port for fallback", addr)
	}
	out := make([]string, 0, span)
	for p := port + offset; p < port+offset+span && p <= 65535; p++ {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(p)))
	}
	return out, nil
}

// SelectBindAddr returns preferred when it is free, otherwise the first free
// fallback. An empty fallback list makes a busy preferred address an error.
func SelectBindAddr(preferred string, fallbacks []string) (string, error) {
	tried := make([]string, 0, len(fallbacks)+1)
	for _, addr := range append([]string{preferred}, fallbacks...) {
		if addr == "" {
			continue
		}
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
		tried = append(tried, addr)
	}
	return "", fmt.Errorf("%w (tried %s)", ErrNoBindAddr, strings.Join(tried, ", "))
}

// IsAddrAvailable reports whether addr can be listened on right now.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if err := ln.Close(); err != nil {
		return false, err
	}
	return true, nil
}
