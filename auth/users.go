// Package auth loads FTP credentials and verifies USER/PASS pairs.
//
// Two file formats are supported. The passwd format holds one user:password
// pair per line, with '#' comments:
//
//	# name:password
//	test:1234
//	admin:$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy
//
// The YAML format holds a list of users:
//
//	users:
//	  - name: test
//	    password: "1234"
//
// Passwords starting with "$2" are bcrypt hashes; anything else is compared
// as plain text.
package auth

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jmgilman/go/errors"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Users is an immutable set of credentials, safe for concurrent use.
type Users struct {
	passwords map[string]string
}

// User is one entry of a YAML users file.
type User struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// New builds a credential set from users. Duplicate names are an error.
func New(users []User) (*Users, error) {
	u := &Users{passwords: make(map[string]string, len(users))}
	for _, user := range users {
		if user.Name == "" {
			return nil, errors.New(errors.CodeInvalidInput, "user with empty name")
		}
		if _, dup := u.passwords[user.Name]; dup {
			return nil, errors.Newf(errors.CodeInvalidInput, "duplicate user %q", user.Name)
		}
		u.passwords[user.Name] = user.Password
	}
	return u, nil
}

// ParsePasswd reads the passwd format from r.
func ParsePasswd(r io.Reader) (*Users, error) {
	var users []User
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, pass, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidInput, "line %d: expected name:password", lineNo)
		}
		users = append(users, User{Name: strings.TrimSpace(name), Password: pass})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read passwd data: %w", err)
	}
	return New(users)
}

// LoadPasswd reads a passwd file.
func LoadPasswd(path string) (*Users, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open passwd file: %w", err)
	}
	defer f.Close()
	return ParsePasswd(f)
}

// ParseYAML reads the YAML format.
func ParseYAML(data []byte) (*Users, error) {
	var file usersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to parse users file")
	}
	return New(file.Users)
}

// LoadYAML reads a YAML users file.
func LoadYAML(path string) (*Users, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	return ParseYAML(data)
}

// Load picks the format from the file extension: .yaml and .yml are YAML,
// anything else is passwd.
func Load(path string) (*Users, error) {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return LoadYAML(path)
	}
	return LoadPasswd(path)
}

// Len returns the number of users.
func (u *Users) Len() int {
	return len(u.passwords)
}

// Verify checks a USER/PASS pair. Failures are coded
// errors.CodeUnauthorized and never say which half was wrong.
func (u *Users) Verify(user, pass string) error {
	stored, ok := u.passwords[user]
	if !ok {
		return errLoginIncorrect
	}
	if strings.HasPrefix(stored, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(pass)) != nil {
			return errLoginIncorrect
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(pass)) != 1 {
		return errLoginIncorrect
	}
	return nil
}

var errLoginIncorrect = errors.New(errors.CodeUnauthorized, "login incorrect")
