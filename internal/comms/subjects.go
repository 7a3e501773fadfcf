package comms

import (
	"fmt"
	"strings"
)

// Broker subject naming follows a fixed hierarchy under a single root
// token: comms.location.<key>, comms.global, comms.direct.<identity>,
// comms.system.
const (
	// SubjectRoot is the root token for all comms subjects.
	SubjectRoot = "comms"
	// SubjectGlobal is the fixed subject for the global channel.
	SubjectGlobal = SubjectRoot + ".global"
	// SubjectSystem is the fixed subject for the system channel.
	SubjectSystem = SubjectRoot + ".system"
)

// SubjectLocation returns the subject for a location-scoped channel.
//
// Precondition: loc must be non-empty.
func SubjectLocation(loc LocationKey) string {
	return fmt.Sprintf("%s.location.%s", SubjectRoot, sanitizeToken(string(loc)))
}

// SubjectDirect returns the subject for direct delivery to an identity.
//
// Precondition: id must be non-empty.
func SubjectDirect(id Identity) string {
	return fmt.Sprintf("%s.direct.%s", SubjectRoot, sanitizeToken(string(id)))
}

// sanitizeToken makes an arbitrary key safe as a single subject token.
// Broker token separators and whitespace are replaced with underscores.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		default:
			return r
		}
	}, s)
}
