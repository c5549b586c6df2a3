package auth

import "testing"

func TestAuthenticateNoKeyRequired(t *testing.T) {
	a := New(false, "", "")
	role, err := a.Authenticate("")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if role != RoleInteractive {
		t.Errorf("role = %q, want interactive", role)
	}
}

func TestAuthenticateValidTokens(t *testing.T) {
	a := New(true, "interactive-secret", "automation-secret")

	cases := []struct {
		header string
		want   Role
	}{
		{"Bearer interactive-secret", RoleInteractive},
		{"bearer interactive-secret", RoleInteractive},
		{"Bearer  interactive-secret", RoleInteractive},
		{"Bearer automation-secret", RoleAutomation},
	}
	for _, c := range cases {
		role, err := a.Authenticate(c.header)
		if err != nil {
			t.Errorf("Authenticate(%q): unexpected error %v", c.header, err)
			continue
		}
		if role != c.want {
			t.Errorf("Authenticate(%q) = %q, want %q", c.header, role, c.want)
		}
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	a := New(true, "interactive-secret", "automation-secret")

	cases := []string{
		"",
		"interactive-secret",              // missing "Bearer " scheme
		"Bearer ",                          // empty token
		"Bearer wrong-token",
		"Basic interactive-secret",
	}
	for _, header := range cases {
		if _, err := a.Authenticate(header); err != ErrUnauthorized {
			t.Errorf("Authenticate(%q) = %v, want ErrUnauthorized", header, err)
		}
	}
}

func TestAuthenticateRejectsEmptyConfiguredToken(t *testing.T) {
	// When a role's token is left unconfigured (empty string), a request
	// presenting an empty token must never accidentally match it.
	a := New(true, "", "automation-secret")
	if _, err := a.Authenticate("Bearer "); err != ErrUnauthorized {
		t.Errorf("empty bearer token against empty configured token: got %v, want ErrUnauthorized", err)
	}
}
