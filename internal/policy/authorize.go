package policy

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the provider's HMAC over the request URL and form
// parameters.
const SignatureHeader = "X-Twilio-Signature"

// SecretHeader carries the shared secret on control-plane requests.
const SecretHeader = "X-Relay-Secret"

type AuthDecision struct {
	Allowed bool
	Scheme  string
	Reason  string
}

type AuthConfig struct {
	// SharedSecret guards the control plane. Empty leaves it open.
	SharedSecret string
	// ProviderAuthToken enables provider signature checks on stream upgrades.
	ProviderAuthToken string
	// PublicBaseURL is the origin the provider dialled, used to rebuild the
	// signed URL behind proxies. Empty uses the request's Host.
	PublicBaseURL string
}

// Authorizer checks inbound HTTP requests against the configured credentials.
type Authorizer struct {
	secret     string
	validator  *client.RequestValidator
	publicBase string
}

func NewAuthorizer(cfg AuthConfig) *Authorizer {
	a := &Authorizer{
		secret:     strings.TrimSpace(cfg.SharedSecret),
		publicBase: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
	}
	if token := strings.TrimSpace(cfg.ProviderAuthToken); token != "" {
		v := client.NewRequestValidator(token)
		a.validator = &v
	}
	return a
}

// AuthorizeControl gates the prompt cache endpoint. The secret may come as a
// bearer token or in SecretHeader.
func (a *Authorizer) AuthorizeControl(r *http.Request) AuthDecision {
	if a == nil || a.secret == "" {
		return AuthDecision{Allowed: true, Scheme: "none"}
	}
	if a.secretMatches(presentedSecret(r)) {
		return AuthDecision{Allowed: true, Scheme: "shared_secret"}
	}
	return AuthDecision{Scheme: "shared_secret", Reason: "missing or invalid shared secret"}
}

// AuthorizeStream gates websocket upgrades from the telephony provider. A
// valid provider signature or the shared secret (header or token query
// parameter) is accepted.
func (a *Authorizer) AuthorizeStream(r *http.Request) AuthDecision {
	if a == nil || (a.secret == "" && a.validator == nil) {
		return AuthDecision{Allowed: true, Scheme: "none"}
	}
	if a.validator != nil {
		if sig := r.Header.Get(SignatureHeader); sig != "" {
			if a.validator.Validate(a.signedURL(r), formParams(r), sig) {
				return AuthDecision{Allowed: true, Scheme: "signature"}
			}
			return AuthDecision{Scheme: "signature", Reason: "provider signature mismatch"}
		}
	}
	if a.secret != "" {
		presented := presentedSecret(r)
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if a.secretMatches(presented) {
			return AuthDecision{Allowed: true, Scheme: "shared_secret"}
		}
	}
	return AuthDecision{Scheme: "none", Reason: "no valid credentials on stream upgrade"}
}

func (a *Authorizer) secretMatches(presented string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.secret)) == 1
}

// signedURL rebuilds the URL the provider signed.
func (a *Authorizer) signedURL(r *http.Request) string {
	if a.publicBase != "" {
		return a.publicBase + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if r.Header.Get("Upgrade") != "" {
		scheme = "wss"
		if r.TLS == nil {
			scheme = "ws"
		}
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func presentedSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(SecretHeader))
}

func formParams(r *http.Request) map[string]string {
	params := map[string]string{}
	if r.Method != http.MethodPost {
		return params
	}
	if err := r.ParseForm(); err != nil {
		return params
	}
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return params
}
