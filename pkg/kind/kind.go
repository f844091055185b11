package kind

// T is the event kind number. go-nostr carries kinds as plain ints, so T
// converts at the edges with ToInt and FromInt.
type T uint16

func (ki T) ToInt() int { return int(ki) }

func FromInt(i int) T { return T(i) }

// The kinds the client engine itself acts on.
const (
	// ProfileMetadata stores user profile data, pet names, bio, lightning
	// address, etc.
	ProfileMetadata T = 0
	TextNote        T = 1
	// FollowList is the contact list. Older clients also store the user's
	// relays as JSON in its content.
	FollowList T = 3
	// EncryptedDirectMessage is a NIP-04 direct message. Relays commonly
	// require authentication before serving it.
	EncryptedDirectMessage T = 4
	// GiftWrap is a NIP-59 sealed envelope, also auth gated.
	GiftWrap T = 1059
	// RelayListMetadata is the NIP-65 read/write relay list of a user.
	RelayListMetadata T = 10002
	// ClientAuthentication is the NIP-42 AUTH response event.
	ClientAuthentication T = 22242

	ReplaceableStart              T = 10000
	ReplaceableEnd                T = 20000
	EphemeralStart                T = 20000
	EphemeralEnd                  T = 30000
	ParameterizedReplaceableStart T = 30000
	ParameterizedReplaceableEnd   T = 40000
)

// AuthGated are the kinds whose presence in a REQ makes a connection expect
// an AUTH challenge.
var AuthGated = []T{EncryptedDirectMessage, GiftWrap}

func (ki T) IsReplaceable() bool {
	return ki == ProfileMetadata || ki == FollowList ||
		(ki >= ReplaceableStart && ki < ReplaceableEnd)
}

func (ki T) IsEphemeral() bool {
	return ki >= EphemeralStart && ki < EphemeralEnd
}

func (ki T) IsParameterizedReplaceable() bool {
	return ki >= ParameterizedReplaceableStart &&
		ki < ParameterizedReplaceableEnd
}

// IsAuthGated reports whether any of the kinds is in AuthGated.
func IsAuthGated(kinds []int) bool {
	for _, k := range kinds {
		for _, g := range AuthGated {
			if T(k) == g {
				return true
			}
		}
	}
	return false
}
