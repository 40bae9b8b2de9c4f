package transport

import (
	"errors"
	"log/slog"

	"golang.org/x/crypto/ssh"

	"github.com/octerm/clauntty/internal/sshkey"
)

// Credential identifies how to authenticate. Secret material is held
// behind an opaque reference and never rendered by String or LogValue.
type Credential struct {
	// KeyID addresses the credential in the caller's keychain.
	KeyID string

	password func() (string, error)
	key      *sshkey.PrivateKey
	signer   ssh.Signer
}

// PasswordCredential resolves the password lazily, only when the server
// asks for it.
func PasswordCredential(keyID string, secret func() (string, error)) Credential {
	return Credential{KeyID: keyID, password: secret}
}

func KeyCredential(keyID string, key *sshkey.PrivateKey) Credential {
	return Credential{KeyID: keyID, key: key}
}

// SignerCredential wraps an already constructed signer.
func SignerCredential(keyID string, signer ssh.Signer) Credential {
	return Credential{KeyID: keyID, signer: signer}
}

// WithPassword adds a password fallback to a key credential.
func (c Credential) WithPassword(secret func() (string, error)) Credential {
	c.password = secret
	return c
}

func (c Credential) String() string {
	return "credential(" + c.KeyID + ")"
}

func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// authMethods returns methods in policy order: public key, then password,
// then keyboard-interactive answered with the password. The ssh client
// offers one method at a time and stops at the first the server accepts.
func (c Credential) authMethods(logger *slog.Logger) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	signer := c.signer
	if signer == nil && c.key != nil {
		s, err := c.key.Signer()
		if err != nil {
			return nil, err
		}
		signer = s
	}
	if signer != nil {
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			logger.Debug("offering publickey", "credential", c)
			return []ssh.Signer{signer}, nil
		}))
	}

	if c.password != nil {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			logger.Debug("offering password", "credential", c)
			return c.password()
		}))
		methods = append(methods, ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			logger.Debug("answering keyboard-interactive", "credential", c, "questions", len(questions))
			if len(questions) == 0 {
				return nil, nil
			}
			pw, err := c.password()
			if err != nil {
				return nil, err
			}
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = pw
			}
			return answers, nil
		}))
	}

	if len(methods) == 0 {
		return nil, errors.New("credential has neither key nor password")
	}
	return methods, nil
}
