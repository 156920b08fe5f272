package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hostbound/ingrid/gologger"
	"github.com/hostbound/ingrid/utils"
)

var (
	ErrHighStatusCode  = errors.New("high status code")
	ErrUnexpectedState = errors.New("server returned an unexpected state")
	ErrNoCertificate   = errors.New("order has no certificate URL")

	logger = gologger.NewLogger()
)

type (
	// Config wires a Client to one upstream CA. AccountKey signs protocol
	// requests; CertificateKey signs CSRs.
	Config struct {
		DirectoryURL   string
		Email          string
		AccountKey     *ecdsa.PrivateKey
		CertificateKey crypto.Signer
		// External account binding, for CAs that require it.
		EABKid  string
		EABHMAC []byte
	}

	// Client speaks RFC 8555 to a single CA directory. Safe for concurrent
	// use once the account is registered.
	Client struct {
		cfg        Config
		caDir      CADir
		accountKID string
	}
)

// NewClient fetches the CA directory and returns a client. The account is
// registered lazily via EnsureAccount.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{cfg: cfg}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", cfg.DirectoryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching CA directory: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading CA directory body: %w", err)
	}
	if res.StatusCode > 299 {
		return nil, fmt.Errorf("status %d - body %s - %w", res.StatusCode, string(resBody), ErrHighStatusCode)
	}
	if err := json.Unmarshal(resBody, &c.caDir); err != nil {
		return nil, fmt.Errorf("error unmarshalling CA directory: %w", err)
	}
	return c, nil
}

// EnsureAccount registers (or fetches) the ACME account and remembers its
// kid. Idempotent: the CA returns the existing account for a known key.
// The leader calls this on promotion, before its first scheduler tick.
func (c *Client) EnsureAccount(ctx context.Context) error {
	if c.accountKID != "" {
		return nil
	}

	account := Account{
		TermsOfServiceAgreed: true,
	}
	if c.cfg.Email != "" {
		account.Contact = []string{"mailto:" + c.cfg.Email}
	}
	if c.cfg.EABKid != "" {
		eabJWS, err := SignEABContent(c.caDir.NewAccount, c.cfg.EABKid, c.cfg.EABHMAC, c.cfg.AccountKey)
		if err != nil {
			return fmt.Errorf("error in SignEABContent: %w", err)
		}
		account.ExternalAccountBinding = []byte(eabJWS.FullSerialize())
	}

	accountJSON, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("error marshalling account: %w", err)
	}

	_, headers, err := c.postJOSEAs(ctx, c.caDir.NewAccount, "", accountJSON)
	if err != nil {
		return fmt.Errorf("error registering account: %w", err)
	}
	c.accountKID = headers.Get("location")
	if c.accountKID == "" {
		return fmt.Errorf("account response missing location header: %w", ErrUnexpectedState)
	}
	logger.Debug().Str("kid", c.accountKID).Msg("ACME account ready")
	return nil
}

// CreateOrder opens an order for the domain's DNS identifier.
func (c *Client) CreateOrder(ctx context.Context, domain string) (*ExtendedOrder, error) {
	order := Order{
		Identifiers: []Identifier{{Type: "dns", Value: domain}},
	}
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("error marshalling order: %w", err)
	}

	body, headers, err := c.postJOSE(ctx, c.caDir.NewOrder, orderJSON)
	if err != nil {
		return nil, fmt.Errorf("error creating order: %w", err)
	}

	var out ExtendedOrder
	if err := json.Unmarshal(body, &out.Order); err != nil {
		return nil, fmt.Errorf("error unmarshalling order response: %w", err)
	}
	out.Location = headers.Get("location")
	return &out, nil
}

// GetOrder re-fetches an order by its location (POST-as-GET).
func (c *Client) GetOrder(ctx context.Context, location string) (*Order, error) {
	body, _, err := c.postJOSE(ctx, location, []byte{})
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error unmarshalling order: %w", err)
	}
	return &order, nil
}

// GetAuthorization fetches one of the order's authorization objects.
func (c *Client) GetAuthorization(ctx context.Context, authzURL string) (*Authorization, error) {
	body, _, err := c.postJOSE(ctx, authzURL, []byte{})
	if err != nil {
		return nil, fmt.Errorf("error fetching authorization: %w", err)
	}
	var authz Authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return nil, fmt.Errorf("error unmarshalling authorization: %w", err)
	}
	return &authz, nil
}

// KeyAuthorization builds the validation response for a challenge token.
func (c *Client) KeyAuthorization(token string) (string, error) {
	return KeyAuthorization(token, c.cfg.AccountKey)
}

// NotifyChallenge tells the CA the challenge response is in place.
func (c *Client) NotifyChallenge(ctx context.Context, challenge Challenge) error {
	_, _, err := c.postJOSE(ctx, challenge.URL, []byte("{}"))
	if err != nil {
		return fmt.Errorf("error notifying challenge: %w", err)
	}
	return nil
}

// PollAuthorization waits for the CA to validate the authorization. Returns
// nil once valid; protocol failures (invalid, revoked) are permanent.
func (c *Client) PollAuthorization(ctx context.Context, authzURL string) error {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	for {
		authz, err := c.GetAuthorization(ctx, authzURL)
		if err != nil {
			// Transient CA faults keep polling until the deadline.
			var perm *utils.Permanent
			if errors.As(err, &perm) {
				return err
			}
			logger.Warn().Err(err).Msg("transient error polling authorization, will retry")
		} else {
			valid, err := checkAuthorizationStatus(authz)
			if err != nil {
				return &utils.Permanent{Err: err}
			}
			if valid {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("authorization did not validate in time: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// FinalizeOrder submits the CSR for the domain.
func (c *Client) FinalizeOrder(ctx context.Context, order *ExtendedOrder, domain string) error {
	csr, err := GenerateCSR(c.cfg.CertificateKey, domain, []string{domain})
	if err != nil {
		return fmt.Errorf("error in GenerateCSR: %w", err)
	}

	csrJSON, err := json.Marshal(CSRMessage{Csr: base64.RawURLEncoding.EncodeToString(csr)})
	if err != nil {
		return fmt.Errorf("error marshalling CSR message: %w", err)
	}

	if _, _, err := c.postJOSE(ctx, order.Finalize, csrJSON); err != nil {
		return fmt.Errorf("error finalizing order: %w", err)
	}
	return nil
}

// PollOrder waits for the finalized order to become valid with a
// certificate URL attached.
func (c *Client) PollOrder(ctx context.Context, location string) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	for {
		order, err := c.GetOrder(ctx, location)
		if err != nil {
			var perm *utils.Permanent
			if errors.As(err, &perm) {
				return nil, err
			}
			logger.Warn().Err(err).Msg("transient error polling order, will retry")
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("order did not become valid in time: %w", ctx.Err())
			case <-time.After(pollInterval):
			}
			continue
		}
		switch order.Status {
		case StatusValid:
			if order.Certificate == "" {
				return nil, &utils.Permanent{Err: ErrNoCertificate}
			}
			return order, nil
		case StatusInvalid:
			err := error(order.Error)
			if order.Error == nil {
				err = fmt.Errorf("order invalid: %w", ErrUnexpectedState)
			}
			return nil, &utils.Permanent{Err: err}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("order did not become valid in time: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// DownloadCertificate fetches the signed PEM chain.
func (c *Client) DownloadCertificate(ctx context.Context, certURL string) ([]byte, error) {
	body, _, err := c.postJOSE(ctx, certURL, []byte{})
	if err != nil {
		return nil, fmt.Errorf("error downloading certificate: %w", err)
	}
	return body, nil
}

func (c *Client) postJOSE(ctx context.Context, url string, payload []byte) ([]byte, http.Header, error) {
	return c.postJOSEAs(ctx, url, c.accountKID, payload)
}

// postJOSEAs signs and POSTs a payload. Empty kid embeds the JWK
// (new-account only). CA rejections (4xx) come back as permanent errors so
// the retry policy does not waste its budget on them.
func (c *Client) postJOSEAs(ctx context.Context, url, kid string, payload []byte) ([]byte, http.Header, error) {
	signed, err := signContent(url, kid, payload, c.cfg.AccountKey, c.caDir.NewNonce)
	if err != nil {
		return nil, nil, fmt.Errorf("error signing content: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader([]byte(signed.FullSerialize())))
	if err != nil {
		return nil, nil, fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	req.Header.Add("content-type", "application/jose+json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("error doing request: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading body: %w", err)
	}

	if res.StatusCode > 299 {
		var problem ProblemDetails
		if jsonErr := json.Unmarshal(resBody, &problem); jsonErr == nil && problem.Type != "" {
			problem.HTTPStatus = res.StatusCode
			problem.Method = "POST"
			problem.URL = url
			if res.StatusCode < 500 {
				return nil, nil, &utils.Permanent{Err: &problem}
			}
			return nil, nil, &problem
		}
		return nil, nil, fmt.Errorf("status %d - body %s - %w", res.StatusCode, string(resBody), ErrHighStatusCode)
	}
	return resBody, res.Header, nil
}

func checkAuthorizationStatus(authz *Authorization) (bool, error) {
	switch authz.Status {
	case StatusValid:
		return true, nil
	case StatusPending, StatusProcessing:
		return false, nil
	case StatusDeactivated, StatusExpired, StatusRevoked:
		return false, fmt.Errorf("the authorization state %s", authz.Status)
	case StatusInvalid:
		for _, chlg := range authz.Challenges {
			if chlg.Status == StatusInvalid && chlg.Error != nil {
				return false, chlg.Error
			}
		}
		return false, fmt.Errorf("the authorization state %s", authz.Status)
	default:
		return false, fmt.Errorf("unknown state %s: %w", authz.Status, ErrUnexpectedState)
	}
}
