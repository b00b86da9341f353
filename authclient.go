package gocbnet

import (
	"crypto/sha1" // nolint: gosec
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"hash"
	"time"

	"github.com/couchbaselabs/gocbnet/memd"
	"github.com/couchbaselabs/gocbnet/scram"
)

// AuthClient exposes an interface for performing authentication on a
// connected Couchbase K/V client.
type AuthClient interface {
	Address() string
	SupportsFeature(feature memd.HelloFeature) bool

	SaslListMechs(deadline time.Time, cb func(mechs []AuthMechanism, err error)) error
	SaslAuth(k, v []byte, deadline time.Time, cb func(b []byte, err error)) error
	SaslStep(k, v []byte, deadline time.Time, cb func(b []byte, err error)) error
	ExecSelectBucket(b []byte, deadline time.Time) (chan BytesAndError, error)
}

// SaslListMechsCompleted is used to contain the result and/or error from a SaslListMechs operation.
type SaslListMechsCompleted struct {
	Err   error
	Mechs []AuthMechanism
}

// SaslAuthPlain performs PLAIN SASL authentication against an AuthClient.
// continueCb is called once the request has been written, which lets the caller
// pipeline select bucket behind it.
func SaslAuthPlain(username, password string, client AuthClient, deadline time.Time, continueCb func(), completedCb func(err error)) error {
	// Build PLAIN auth data
	userBuf := []byte(username)
	passBuf := []byte(password)
	authData := make([]byte, 1+len(userBuf)+1+len(passBuf))
	authData[0] = 0
	copy(authData[1:], userBuf)
	authData[1+len(userBuf)] = 0
	copy(authData[1+len(userBuf)+1:], passBuf)

	// Execute PLAIN authentication
	err := client.SaslAuth([]byte(PlainAuthMechanism), authData, deadline, func(b []byte, err error) {
		completedCb(err)
	})
	if err != nil {
		return err
	}

	continueCb()
	return nil
}

func saslAuthScram(saslName []byte, newHash func() hash.Hash, username, password string, client AuthClient,
	deadline time.Time, continueCb func(), completedCb func(err error)) error {
	scramMgr := scram.NewClient(newHash, username, password)

	// Perform the initial SASL step
	scramMgr.Step(nil)
	if scramMgr.Err() != nil {
		return scramMgr.Err()
	}

	return client.SaslAuth(saslName, scramMgr.Out(), deadline, func(b []byte, err error) {
		if err != nil && !errors.Is(err, ErrMemdAuthContinue) {
			completedCb(err)
			return
		}

		if scramMgr.Step(b) {
			if scramMgr.Err() != nil {
				completedCb(scramMgr.Err())
				return
			}
			logErrorf("Local auth client finished before server accepted auth")
			completedCb(ErrAuthenticationFailure)
			return
		}

		err = client.SaslStep(saslName, scramMgr.Out(), deadline, func(b []byte, err error) {
			if err != nil {
				completedCb(err)
				return
			}

			// The final server message carries the server signature.
			if !scramMgr.Step(b) || scramMgr.Err() != nil {
				logDebugf("Server signature verification failed (%v)", scramMgr.Err())
				completedCb(wrapError(ErrAuthenticationFailure, "server signature mismatch"))
				return
			}

			continueCb()
			completedCb(nil)
		})
		if err != nil {
			completedCb(err)
			return
		}
	})
}

// SaslAuthScramSha1 performs SCRAM-SHA1 SASL authentication against an AuthClient.
func SaslAuthScramSha1(username, password string, client AuthClient, deadline time.Time, continueCb func(), completedCb func(err error)) error {
	return saslAuthScram([]byte(ScramSha1AuthMechanism), sha1.New, username, password, client, deadline, continueCb, completedCb)
}

// SaslAuthScramSha256 performs SCRAM-SHA256 SASL authentication against an AuthClient.
func SaslAuthScramSha256(username, password string, client AuthClient, deadline time.Time, continueCb func(), completedCb func(err error)) error {
	return saslAuthScram([]byte(ScramSha256AuthMechanism), sha256.New, username, password, client, deadline, continueCb, completedCb)
}

// SaslAuthScramSha512 performs SCRAM-SHA512 SASL authentication against an AuthClient.
func SaslAuthScramSha512(username, password string, client AuthClient, deadline time.Time, continueCb func(), completedCb func(err error)) error {
	return saslAuthScram([]byte(ScramSha512AuthMechanism), sha512.New, username, password, client, deadline, continueCb, completedCb)
}

// authFunc starts an authentication attempt. completedCh receives the outcome, continueCh
// reports whether the connection may proceed to select bucket.
type authFunc func() (completedCh chan BytesAndError, continueCh chan bool, err error)

type authFuncHandler func(client AuthClient, deadline time.Time, mechanism AuthMechanism) authFunc

// buildAuthHandler returns nil from the handler when the provider has no credentials
// for the endpoint, meaning no authentication is performed.
func buildAuthHandler(auth AuthProvider) authFuncHandler {
	return func(client AuthClient, deadline time.Time, mechanism AuthMechanism) authFunc {
		creds, err := getKvAuthCreds(auth, client.Address())
		if err != nil {
			return func() (chan BytesAndError, chan bool, error) {
				return nil, nil, err
			}
		}

		if creds.Username == "" && creds.Password == "" {
			return nil
		}

		return func() (chan BytesAndError, chan bool, error) {
			completedCh := make(chan BytesAndError, 1)
			continueCh := make(chan bool, 1)

			continueCb := func() {
				continueCh <- true
			}
			completedCb := func(err error) {
				if err != nil {
					// Unblock anything waiting to pipeline behind the auth.
					select {
					case continueCh <- false:
					default:
					}
				}
				completedCh <- BytesAndError{Err: err}
			}

			var startErr error
			switch mechanism {
			case PlainAuthMechanism:
				startErr = SaslAuthPlain(creds.Username, creds.Password, client, deadline, continueCb, completedCb)
			case ScramSha1AuthMechanism:
				startErr = SaslAuthScramSha1(creds.Username, creds.Password, client, deadline, continueCb, completedCb)
			case ScramSha256AuthMechanism:
				startErr = SaslAuthScramSha256(creds.Username, creds.Password, client, deadline, continueCb, completedCb)
			case ScramSha512AuthMechanism:
				startErr = SaslAuthScramSha512(creds.Username, creds.Password, client, deadline, continueCb, completedCb)
			default:
				return nil, nil, ErrNoSupportedMechanisms
			}
			if startErr != nil {
				return nil, nil, startErr
			}

			return completedCh, continueCh, nil
		}
	}
}
