// Package scram implements the client side of the SCRAM SASL mechanism
// family (RFC 5802) as used by the memcached SASL_AUTH / SASL_STEP commands.
package scram

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Client performs a SCRAM conversation for a single authentication attempt.
//
// A client is not reusable: create a new one per connection.
type Client struct {
	newHash func() hash.Hash

	user    string
	pass    string
	step    int
	out     bytes.Buffer
	err     error
	cnonce  []byte
	snonce  []byte
	authMsg bytes.Buffer

	saltedPass     []byte
	serverSigBytes []byte
}

// NewClient returns a SCRAM client for the given hash constructor and credentials.
func NewClient(newHash func() hash.Hash, user, pass string) *Client {
	c := &Client{
		newHash: newHash,
		user:    user,
		pass:    pass,
	}
	c.out.Grow(256)
	c.authMsg.Grow(256)
	return c
}

// Out returns the data to be sent to the server in the current step.
func (c *Client) Out() []byte {
	if c.out.Len() == 0 {
		return nil
	}
	return c.out.Bytes()
}

// Err returns the error that occurred, or nil if there were no errors.
func (c *Client) Err() error {
	return c.err
}

// SetNonce sets the client nonce, it is exposed for deterministic testing.
func (c *Client) SetNonce(nonce []byte) {
	c.cnonce = nonce
}

// Step processes the incoming data from the server and makes the next round
// of data for the server available via Out. It returns false once there is
// nothing left to send or an error has occurred.
func (c *Client) Step(in []byte) bool {
	c.out.Reset()
	if c.step > 2 || c.err != nil {
		return false
	}
	c.step++
	switch c.step {
	case 1:
		c.err = c.step1()
	case 2:
		c.err = c.step2(in)
	case 3:
		c.err = c.step3(in)
	}
	return c.step > 2 || c.err != nil
}

func (c *Client) step1() error {
	if len(c.cnonce) == 0 {
		const nonceLen = 16
		buf := make([]byte, nonceLen+base64.StdEncoding.EncodedLen(nonceLen))
		if _, err := rand.Read(buf[:nonceLen]); err != nil {
			return fmt.Errorf("cannot read random SCRAM-SHA client nonce: %s", err)
		}
		c.cnonce = buf[nonceLen:]
		base64.StdEncoding.Encode(c.cnonce, buf[:nonceLen])
	}
	c.authMsg.WriteString("n=")
	escaper.WriteString(&c.authMsg, c.user)
	c.authMsg.WriteString(",r=")
	c.authMsg.Write(c.cnonce)

	c.out.WriteString("n,,")
	c.out.Write(c.authMsg.Bytes())
	return nil
}

var escaper = strings.NewReplacer("=", "=3D", ",", "=2C")

func (c *Client) step2(in []byte) error {
	c.authMsg.WriteByte(',')
	c.authMsg.Write(in)

	fields := bytes.Split(in, []byte(","))
	if len(fields) != 3 {
		return fmt.Errorf("expected 3 fields in first SCRAM-SHA server message, got %d: %q", len(fields), in)
	}
	if !bytes.HasPrefix(fields[0], []byte("r=")) || len(fields[0]) < 2 {
		return fmt.Errorf("server sent an invalid SCRAM-SHA nonce: %q", fields[0])
	}
	if !bytes.HasPrefix(fields[1], []byte("s=")) || len(fields[1]) < 6 {
		return fmt.Errorf("server sent an invalid SCRAM-SHA salt: %q", fields[1])
	}
	if !bytes.HasPrefix(fields[2], []byte("i=")) || len(fields[2]) < 6 {
		return fmt.Errorf("server sent an invalid SCRAM-SHA iteration count: %q", fields[2])
	}

	c.snonce = fields[0][2:]
	if !bytes.HasPrefix(c.snonce, c.cnonce) {
		return fmt.Errorf("server SCRAM-SHA nonce is not prefixed by client nonce: got %q, want %q+\"...\"", c.snonce, c.cnonce)
	}

	salt := make([]byte, base64.StdEncoding.DecodedLen(len(fields[1][2:])))
	n, err := base64.StdEncoding.Decode(salt, fields[1][2:])
	if err != nil {
		return fmt.Errorf("cannot decode SCRAM-SHA salt sent by server: %q", fields[1])
	}
	salt = salt[:n]

	iterCount, err := strconv.Atoi(string(fields[2][2:]))
	if err != nil {
		return fmt.Errorf("server sent an invalid SCRAM-SHA iteration count: %q", fields[2])
	}

	c.saltedPass = pbkdf2.Key([]byte(c.pass), salt, iterCount, c.newHash().Size(), c.newHash)

	c.authMsg.WriteString(",c=biws,r=")
	c.authMsg.Write(c.snonce)

	c.out.WriteString("c=biws,r=")
	c.out.Write(c.snonce)
	c.out.WriteString(",p=")
	c.out.Write(c.clientProof())
	return nil
}

func (c *Client) step3(in []byte) error {
	var isv, ise bool
	var fields = bytes.Split(in, []byte(","))
	if len(fields) == 1 {
		isv = bytes.HasPrefix(fields[0], []byte("v="))
		ise = bytes.HasPrefix(fields[0], []byte("e="))
	}
	if ise {
		return fmt.Errorf("SCRAM-SHA authentication error: %s", fields[0][2:])
	} else if !isv {
		return fmt.Errorf("unsupported SCRAM-SHA final message from server: %q", in)
	}
	if !bytes.Equal(c.serverSignature(), fields[0][2:]) {
		return errors.New("cannot authenticate SCRAM-SHA server signature")
	}
	return nil
}

func (c *Client) clientProof() []byte {
	mac := hmac.New(c.newHash, c.saltedPass)
	mac.Write([]byte("Client Key"))
	clientKey := mac.Sum(nil)
	h := c.newHash()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	mac = hmac.New(c.newHash, storedKey)
	mac.Write(c.authMsg.Bytes())
	clientProof := mac.Sum(nil)
	for i, b := range clientKey {
		clientProof[i] ^= b
	}
	clientProof64 := make([]byte, base64.StdEncoding.EncodedLen(len(clientProof)))
	base64.StdEncoding.Encode(clientProof64, clientProof)
	return clientProof64
}

func (c *Client) serverSignature() []byte {
	if c.serverSigBytes != nil {
		return c.serverSigBytes
	}
	mac := hmac.New(c.newHash, c.saltedPass)
	mac.Write([]byte("Server Key"))
	serverKey := mac.Sum(nil)

	mac = hmac.New(c.newHash, serverKey)
	mac.Write(c.authMsg.Bytes())
	serverSignature := mac.Sum(nil)

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(serverSignature)))
	base64.StdEncoding.Encode(encoded, serverSignature)
	c.serverSigBytes = encoded
	return encoded
}
