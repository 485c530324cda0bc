package proto

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NodeAddress identifies a peer by host and port. The host is usually an
// onion address; clear-net hosts are used for local and regtest setups.
type NodeAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a NodeAddress) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a NodeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

func (a NodeAddress) IsOnion() bool {
	return strings.HasSuffix(strings.ToLower(a.Host), ".onion")
}

func (a NodeAddress) IsLocalhost() bool {
	h := strings.ToLower(a.Host)
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

func (a NodeAddress) Valid() bool {
	return a.Host != "" && a.Port > 0 && a.Port <= 65535
}

func ParseNodeAddress(s string) (NodeAddress, error) {
	s = strings.TrimSpace(s)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("bad port %q", portStr)
	}
	addr := NodeAddress{Host: host, Port: port}
	if !addr.Valid() {
		return NodeAddress{}, fmt.Errorf("invalid node address %q", s)
	}
	return addr, nil
}

func MustParseNodeAddress(s string) NodeAddress {
	addr, err := ParseNodeAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}
