package comms

// Locator supplies current location membership. It is consulted on the
// dispatch path and its answers are never cached beyond a single call.
type Locator interface {
	// CurrentLocation returns the location the identity occupies, if any.
	CurrentLocation(id Identity) (LocationKey, bool)
	// IdentitiesAt returns every identity at the given location.
	IdentitiesAt(loc LocationKey) []Identity
}

// Eligibility gates global-channel participation (e.g. a level threshold).
type Eligibility interface {
	Eligible(id Identity) bool
}

// Muter answers whether recipient has muted sender for a channel kind.
// System-channel delivery bypasses this check entirely.
type Muter interface {
	Muted(recipient, sender Identity, kind ChannelKind) bool
}
