package common

// Identity is an account reference used for ownership and payment routing.
type Identity string

// ZeroIdentity is the issuance account. Transfers out of it mint new funds.
const ZeroIdentity Identity = ""

func (id Identity) IsZero() bool {
	return id == ZeroIdentity
}

func (id Identity) String() string {
	if id.IsZero() {
		return "<zero>"
	}
	return string(id)
}
