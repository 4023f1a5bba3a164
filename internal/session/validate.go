package session

import (
	"fmt"
	"regexp"
)

var clientRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateClient checks that a client identifier conforms to naming rules.
func ValidateClient(client string) error {
	if !clientRegexp.MatchString(client) {
		return fmt.Errorf("invalid client id %q: must match ^[a-z0-9_-]{1,64}$", client)
	}
	return nil
}
