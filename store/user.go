package store

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/aox/aox/pgwire"
)

// ErrUnknownCredentials is returned for login/password mismatches. Callers
// report it without detail, so probing for accounts stays unattractive.
var ErrUnknownCredentials = errors.New("bad credentials")

// User is one account.
type User struct {
	ID      int64
	Login   string
	InboxID int64

	// secret is the stored password: a bcrypt hash, or (legacy) plaintext.
	// Challenge-response authentication needs the plaintext form.
	secret string
}

// Home returns the root of the user's mailbox hierarchy.
func (u *User) Home() string {
	return "/users/" + u.Login
}

// UserFind looks up a user by login name.
func UserFind(ctx context.Context, login string) (*User, error) {
	q := pgwire.NewQuery("select id, login, secret, inbox from users where login=$1")
	q.Bind(1, strings.ToLower(login))
	if err := DB.Exec(ctx, q); err != nil {
		return nil, err
	}
	row := q.NextRow()
	if row == nil {
		return nil, ErrUnknownCredentials
	}
	return &User{
		ID:      row.Int64("id"),
		Login:   row.String("login"),
		InboxID: row.Int64("inbox"),
		secret:  row.String("secret"),
	}, nil
}

// UserLogin authenticates with a plaintext password.
func UserLogin(ctx context.Context, login, password string) (*User, error) {
	u, err := UserFind(ctx, login)
	if err != nil {
		return nil, err
	}
	if !u.VerifyPassword(password) {
		return nil, ErrUnknownCredentials
	}
	return u, nil
}

// VerifyPassword checks a plaintext password against the stored secret.
func (u *User) VerifyPassword(password string) bool {
	if strings.HasPrefix(u.secret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(u.secret), []byte(password)) == nil
	}
	return subtleEqual(u.secret, password)
}

// PlainSecret returns the plaintext secret for challenge-response
// mechanisms (CRAM-MD5), or "" when only a hash is stored.
func (u *User) PlainSecret() string {
	if strings.HasPrefix(u.secret, "$2") {
		return ""
	}
	return u.secret
}

// Owns returns whether name lies within the user's home hierarchy.
func (u *User) Owns(name string) bool {
	name = NormalizeMailboxName(name)
	home := u.Home()
	return name == home || strings.HasPrefix(name, home+"/")
}

// ResolveMailbox turns a client-supplied mailbox name into a full absolute
// name: the inbox, a name in the user's home, or an already-absolute name
// elsewhere (to which the caller must apply permission checks).
func (u *User) ResolveMailbox(name string) string {
	if strings.EqualFold(strings.Trim(name, "/"), "INBOX") {
		return u.Home() + "/INBOX"
	}
	if strings.HasPrefix(name, "/") {
		return NormalizeMailboxName(name)
	}
	return NormalizeMailboxName(u.Home() + "/" + name)
}

func subtleEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range len(a) {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
