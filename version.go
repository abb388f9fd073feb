package main

import "fmt"

// ProtocolVersion identifies the wire protocol spoken by a node. There is
// no on-wire backwards compatibility across majors; minors within a major
// interoperate.
type ProtocolVersion struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
	Patch uint16 `json:"patch"`
}

// CurrentVersion is the version this node negotiates during handshake.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 0, Patch: 0}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether two versions can share a session.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}
