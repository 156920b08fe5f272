package acme

import "time"

// Object shapes from RFC 8555 §7.1. Only the fields we read or send.

const (
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusInvalid     = "invalid"
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusReady       = "ready"
	StatusRevoked     = "revoked"
	StatusValid       = "valid"
)

const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// CADir is the CA's directory object: the entry-point URL set.
type CADir struct {
	KeyChange   string `json:"keyChange"`
	NewAccount  string `json:"newAccount"`
	NewNonce    string `json:"newNonce"`
	NewOrder    string `json:"newOrder"`
	RenewalInfo string `json:"renewalInfo"`
	RevokeCERT  string `json:"revokeCert"`
}

// Account is the ACME account object (RFC 8555 §7.1.2).
type Account struct {
	Status               string   `json:"status,omitempty"`
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	Orders               string   `json:"orders,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
	// EAB JWS for CAs that bind ACME accounts to external accounts.
	ExternalAccountBinding []byte `json:"externalAccountBinding,omitempty"`
}

// Identifier the order pertains to; Type is always "dns" here.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order is the ACME order object (RFC 8555 §7.1.3). Expires is RFC 3339.
type Order struct {
	Status         string          `json:"status,omitempty"`
	Expires        string          `json:"expires,omitempty"`
	Identifiers    []Identifier    `json:"identifiers"`
	NotBefore      string          `json:"notBefore,omitempty"`
	NotAfter       string          `json:"notAfter,omitempty"`
	Error          *ProblemDetails `json:"error,omitempty"`
	Authorizations []string        `json:"authorizations,omitempty"`
	Finalize       string          `json:"finalize,omitempty"`
	Certificate    string          `json:"certificate,omitempty"`
}

// ExtendedOrder carries the order's Location header alongside the body.
type ExtendedOrder struct {
	Order
	Location string `json:"-"`
}

// Authorization is the ACME authorization object (RFC 8555 §7.1.4).
type Authorization struct {
	Status     string      `json:"status"`
	Expires    time.Time   `json:"expires,omitempty"`
	Identifier Identifier  `json:"identifier,omitempty"`
	Challenges []Challenge `json:"challenges,omitempty"`
	Wildcard   bool        `json:"wildcard,omitempty"`
}

// Challenge is the ACME challenge object (RFC 8555 §7.1.5).
type Challenge struct {
	Type      string          `json:"type"`
	URL       string          `json:"url"`
	Status    string          `json:"status"`
	Validated time.Time       `json:"validated,omitempty"`
	Error     *ProblemDetails `json:"error,omitempty"`
	Token     string          `json:"token"`
}

// CSRMessage finalizes an order (RFC 8555 §7.4). Csr is base64url DER.
type CSRMessage struct {
	Csr string `json:"csr"`
}
