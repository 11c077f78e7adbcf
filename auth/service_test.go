package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tenderguard/failure"
)

func TestService_IssueAndVerify(t *testing.T) {
	svc := NewService("test-secret", "tenderguard")

	token, err := svc.Issue(Actor{ID: "officer-7", Role: RoleOfficer, Org: "org-roads"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}

	actor, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if actor.ID != "officer-7" || actor.Role != RoleOfficer || actor.Org != "org-roads" {
		t.Fatalf("verify token: unexpected actor %+v", actor)
	}
}

func TestService_VerifyRejects(t *testing.T) {
	svc := NewService("test-secret", "tenderguard")
	good, err := svc.Issue(Actor{ID: "a", Role: RoleBidder}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	expired := NewService("test-secret", "tenderguard")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, err := expired.Issue(Actor{ID: "a", Role: RoleBidder}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other, err := NewService("other-secret", "tenderguard").Issue(Actor{ID: "a", Role: RoleBidder}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	foreign, err := NewService("test-secret", "someone-else").Issue(Actor{ID: "a", Role: RoleBidder}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "a", "role": "bidder", "iss": "tenderguard"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	cases := map[string]string{
		"expired":      stale,
		"wrong key":    other,
		"wrong issuer": foreign,
		"unsigned":     unsigned,
		"garbage":      "not.a.token",
		"tampered":     good + "x",
	}
	for name, token := range cases {
		if _, err := svc.VerifyToken(token); !errors.Is(err, failure.ErrUnauthorized) {
			t.Errorf("%s: expected unauthorized, got %v", name, err)
		}
	}
}

func TestService_IssueValidation(t *testing.T) {
	svc := NewService("test-secret", "tenderguard")
	if _, err := svc.Issue(Actor{ID: "a", Role: "superuser"}, time.Hour); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := svc.Issue(Actor{Role: RoleBidder}, time.Hour); !errors.Is(err, failure.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc.def.ghi")
	if err != nil || token != "abc.def.ghi" {
		t.Fatalf("unexpected result %q %v", token, err)
	}
	for _, h := range []string{"", "Bearer ", "Basic abc", strings.ToLower("Bearer abc")} {
		if _, err := BearerToken(h); !errors.Is(err, failure.ErrUnauthorized) {
			t.Errorf("%q: expected unauthorized, got %v", h, err)
		}
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed(RoleBidder) {
		t.Fatal("empty role list should allow")
	}
	if Allowed(RoleBidder, RoleOfficer, RoleEvaluator) {
		t.Fatal("bidder should not pass officer/evaluator gate")
	}
}
