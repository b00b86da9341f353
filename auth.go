package gocbnet

import (
	"crypto/tls"
	"fmt"
)

// AuthMechanism represents a type of auth that can be performed.
type AuthMechanism string

const (
	// PlainAuthMechanism represents that PLAIN auth should be performed.
	PlainAuthMechanism = AuthMechanism("PLAIN")

	// ScramSha1AuthMechanism represents that SCRAM SHA1 auth should be performed.
	ScramSha1AuthMechanism = AuthMechanism("SCRAM-SHA1")

	// ScramSha256AuthMechanism represents that SCRAM SHA256 auth should be performed.
	ScramSha256AuthMechanism = AuthMechanism("SCRAM-SHA256")

	// ScramSha512AuthMechanism represents that SCRAM SHA512 auth should be performed.
	ScramSha512AuthMechanism = AuthMechanism("SCRAM-SHA512")
)

// UserPassPair represents a username and password pair.
type UserPassPair struct {
	Username string
	Password string
}

// AuthCredsRequest represents an authentication details request from the agent.
type AuthCredsRequest struct {
	Service  ServiceType
	Endpoint string
}

// AuthCertRequest represents a certificate details request from the agent.
type AuthCertRequest struct {
	Service  ServiceType
	Endpoint string
}

// AuthProvider is an interface to allow the agent to fetch authentication
// credentials on-demand from the application.
type AuthProvider interface {
	SupportsTLS() bool
	SupportsNonTLS() bool
	Certificate(req AuthCertRequest) (*tls.Certificate, error)
	Credentials(req AuthCredsRequest) ([]UserPassPair, error)
}

// AuthMechanismProvider is implemented by providers which choose their own SASL mechanisms.
type AuthMechanismProvider interface {
	DefaultAuthMechanisms(tlsEnabled bool) []AuthMechanism
}

func getSingleAuthCreds(auth AuthProvider, req AuthCredsRequest) (UserPassPair, error) {
	creds, err := auth.Credentials(req)
	if err != nil {
		return UserPassPair{}, err
	}

	if len(creds) != 1 {
		return UserPassPair{}, ErrInvalidCredentials
	}

	return creds[0], nil
}

func getKvAuthCreds(auth AuthProvider, endpoint string) (UserPassPair, error) {
	return getSingleAuthCreds(auth, AuthCredsRequest{
		Service:  MemdService,
		Endpoint: endpoint,
	})
}

// PasswordAuthProvider provides a standard AuthProvider implementation
// for use with a standard username/password pair (for example, RBAC).
type PasswordAuthProvider struct {
	Username string
	Password string
}

// SupportsNonTLS specifies whether this authenticator supports non-TLS connections.
func (auth PasswordAuthProvider) SupportsNonTLS() bool {
	return true
}

// SupportsTLS specifies whether this authenticator supports TLS connections.
func (auth PasswordAuthProvider) SupportsTLS() bool {
	return true
}

// Certificate directly returns a certificate chain to present for the connection.
func (auth PasswordAuthProvider) Certificate(req AuthCertRequest) (*tls.Certificate, error) {
	return nil, nil
}

// Credentials directly returns the username/password from the provider.
func (auth PasswordAuthProvider) Credentials(req AuthCredsRequest) ([]UserPassPair, error) {
	return []UserPassPair{{
		Username: auth.Username,
		Password: auth.Password,
	}}, nil
}

func (auth PasswordAuthProvider) String() string {
	return fmt.Sprintf("%p", &auth)
}

// DefaultAuthMechanisms returns SCRAM mechanisms on plaintext connections and PLAIN under TLS,
// where the password is already protected by the transport.
func (auth PasswordAuthProvider) DefaultAuthMechanisms(tlsEnabled bool) []AuthMechanism {
	if tlsEnabled {
		return []AuthMechanism{PlainAuthMechanism}
	}

	return []AuthMechanism{ScramSha512AuthMechanism, ScramSha256AuthMechanism, ScramSha1AuthMechanism}
}

func defaultAuthMechanisms(auth AuthProvider, tlsEnabled bool) []AuthMechanism {
	if provider, ok := auth.(AuthMechanismProvider); ok {
		return provider.DefaultAuthMechanisms(tlsEnabled)
	}

	if tlsEnabled {
		return []AuthMechanism{PlainAuthMechanism}
	}
	return []AuthMechanism{ScramSha512AuthMechanism, ScramSha256AuthMechanism, ScramSha1AuthMechanism}
}
